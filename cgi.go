package foscam

import (
	"fmt"
	"net/url"
	"strconv"
)

// Resolution is the camera's resolution code.
type Resolution int

const (
	Resolution160x120 Resolution = 4
	Resolution320x240 Resolution = 8
	Resolution352x288 Resolution = 16
	Resolution640x480 Resolution = 32
)

// Valid reports whether r is one of the codes the camera understands.
func (r Resolution) Valid() bool {
	switch r {
	case Resolution160x120, Resolution320x240, Resolution352x288, Resolution640x480:
		return true
	}
	return false
}

func (r Resolution) String() string {
	switch r {
	case Resolution160x120:
		return "160x120"
	case Resolution320x240:
		return "320x240"
	case Resolution352x288:
		return "352x288"
	case Resolution640x480:
		return "640x480"
	}
	return fmt.Sprintf("Resolution(%d)", int(r))
}

// Rate is the camera's frame rate code for videostream.cgi.
// The nominal rates are measured at 160x120.
type Rate int

const (
	Rate30FPS Rate = 0
	Rate15FPS Rate = 1
	Rate12FPS Rate = 2
	Rate9FPS  Rate = 5
	Rate5FPS  Rate = 10
	Rate1FPS  Rate = 15
)

func (r Rate) Valid() bool {
	switch r {
	case Rate30FPS, Rate15FPS, Rate12FPS, Rate9FPS, Rate5FPS, Rate1FPS:
		return true
	}
	return false
}

// Command is a decoder_control.cgi command code. Codes not listed here are passed through as is.
type Command int

const (
	CommandUp                   Command = 0
	CommandStopUp               Command = 1
	CommandDown                 Command = 2
	CommandStopDown             Command = 3
	CommandLeft                 Command = 4
	CommandStopLeft             Command = 5
	CommandRight                Command = 6
	CommandStopRight            Command = 7
	CommandCenter               Command = 25
	CommandVerticalPatrol       Command = 26
	CommandStopVerticalPatrol   Command = 27
	CommandHorizontalPatrol     Command = 28
	CommandStopHorizontalPatrol Command = 29
	CommandIROff                Command = 94
	CommandIROn                 Command = 95
)

// Direction is a pan/tilt direction.
type Direction int

const (
	Up Direction = iota
	Down
	Left
	Right
)

func (d Direction) commands() (move, halt Command, err error) {
	switch d {
	case Up:
		return CommandUp, CommandStopUp, nil
	case Down:
		return CommandDown, CommandStopDown, nil
	case Left:
		return CommandLeft, CommandStopLeft, nil
	case Right:
		return CommandRight, CommandStopRight, nil
	}
	return 0, 0, fmt.Errorf("unknown direction %d", int(d))
}

// StatusError is returned when the camera answers with a non-2xx status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("camera returned HTTP %d for %s", e.Code, e.URL)
}

type credentials struct {
	user string
	pwd  string
}

// cgiURL builds http://<host>/<script>?<params>&user=<user>&pwd=<pwd>.
// Parameters keep the camera's order since some firmwares are picky about it.
func (c *Client) cgiURL(script string, creds credentials, params ...param) string {
	u := url.URL{
		Scheme: c.scheme,
		Host:   c.host,
		Path:   "/" + script,
	}

	q := make([]byte, 0, 64)
	for _, p := range params {
		q = append(q, p.key...)
		q = append(q, '=')
		q = strconv.AppendInt(q, int64(p.value), 10)
		q = append(q, '&')
	}
	q = append(q, "user="...)
	q = append(q, url.QueryEscape(creds.user)...)
	q = append(q, "&pwd="...)
	q = append(q, url.QueryEscape(creds.pwd)...)
	u.RawQuery = string(q)

	return u.String()
}

type param struct {
	key   string
	value int
}
