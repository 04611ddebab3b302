package apdu

import "fmt"

// StatusWord is the two-byte trailer of every response APDU.
type StatusWord struct {
	SW1 byte
	SW2 byte
}

var swSuccess = StatusWord{0x90, 0x00}

func (sw StatusWord) OK() bool { return sw == swSuccess }

// MoreData reports a T=0 "61 xx": xx bytes are waiting for GET RESPONSE.
func (sw StatusWord) MoreData() bool { return sw.SW1 == 0x61 }

// WrongLength reports "6C xx": the command must be resent with Le = xx.
func (sw StatusWord) WrongLength() bool { return sw.SW1 == 0x6C }

func (sw StatusWord) String() string {
	return fmt.Sprintf("%02X%02X (%s)", sw.SW1, sw.SW2, sw.Meaning())
}

// Meaning interprets the status word per ISO 7816-4.
func (sw StatusWord) Meaning() string {
	switch sw.SW1 {
	case 0x90:
		if sw.SW2 == 0x00 {
			return "success"
		}
	case 0x61:
		return "more data available"
	case 0x62:
		switch sw.SW2 {
		case 0x00:
			return "no information given"
		case 0x81:
			return "part of returned data may be corrupted"
		case 0x82:
			return "end of file reached before reading"
		}
	case 0x63:
		if sw.SW2 == 0x00 {
			return "verification failed"
		}
		if sw.SW2&0xF0 == 0xC0 {
			return "counter verification"
		}
	case 0x64:
		if sw.SW2 == 0x00 {
			return "state of non-volatile memory unchanged"
		}
	case 0x65:
		switch sw.SW2 {
		case 0x00:
			return "state of non-volatile memory changed"
		case 0x81:
			return "memory failure"
		}
	case 0x66:
		if sw.SW2 == 0x00 {
			return "security-related issue"
		}
	case 0x67:
		if sw.SW2 == 0x00 {
			return "wrong length"
		}
	case 0x68:
		switch sw.SW2 {
		case 0x00:
			return "functions in CLA not supported"
		case 0x81:
			return "logical channel not supported"
		case 0x82:
			return "secure messaging not supported"
		}
	case 0x69:
		switch sw.SW2 {
		case 0x82:
			return "security status not satisfied"
		case 0x83:
			return "authentication method blocked"
		case 0x84:
			return "referenced data invalidated"
		case 0x85:
			return "conditions of use not satisfied"
		case 0x86:
			return "command not allowed (no EF selected)"
		}
	case 0x6A:
		switch sw.SW2 {
		case 0x80:
			return "incorrect parameters in command data field"
		case 0x81:
			return "function not supported"
		case 0x82:
			return "file not found"
		case 0x83:
			return "record not found"
		case 0x84:
			return "not enough memory space"
		case 0x86:
			return "incorrect parameters P1-P2"
		case 0x88:
			return "referenced data not found"
		}
	case 0x6B:
		if sw.SW2 == 0x00 {
			return "wrong parameters P1-P2"
		}
	case 0x6C:
		return "wrong Le field"
	case 0x6D:
		if sw.SW2 == 0x00 {
			return "instruction code not supported"
		}
	case 0x6E:
		if sw.SW2 == 0x00 {
			return "class not supported"
		}
	case 0x6F:
		if sw.SW2 == 0x00 {
			return "no precise diagnosis"
		}
	}
	return "unknown status"
}

// StatusError is returned when a card answers with a non-success status.
type StatusError struct {
	Field string
	SW    StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("card returned %s for %s", e.SW, e.Field)
}

// splitResponse separates payload from the trailing status word.
func splitResponse(resp []byte) ([]byte, StatusWord, error) {
	if len(resp) < 2 {
		return nil, StatusWord{}, fmt.Errorf("response too short: %d bytes", len(resp))
	}
	n := len(resp) - 2
	return resp[:n], StatusWord{resp[n], resp[n+1]}, nil
}
