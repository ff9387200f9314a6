// Package protocol implements the newline-delimited text protocol spoken
// by the water meter: classification of inbound lines into typed messages
// and encoding of outbound commands. The wire carries no checksums and no
// length fields; the newline delimiter is the only integrity mechanism.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a line that matched a known prefix but carried a
// payload that could not be extracted. It never aborts the stream; the
// session logs it and drops the line so one corrupt read cannot lose the
// rest of the session's data.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable line %q: %s", e.Line, e.Reason)
}

const (
	prefixFlowRate = "FlowRate:"
	prefixLog      = "[LOG]"
	prefixCmd      = "[CMD]"
	prefixTotal    = "Total:"
)

// Dispatch table, checked in order. First matching prefix wins.
var classifiers = []struct {
	prefix string
	parse  func(line string) (*Message, error)
}{
	{prefixFlowRate, parseTelemetry},
	{prefixLog, parseLogRecord},
	{prefixCmd, parseCommandNotice},
}

// Classify maps one framed, trimmed line to a typed Message.
//
// Lines with no recognized prefix return (nil, nil): the wire may carry
// diagnostic output the client does not understand and those lines must
// stay silent. An undecodable [LOG] record is likewise discarded without
// error. Only malformed telemetry reports a *ParseError, and even that is
// recovered by the caller rather than propagated to the user.
func Classify(line string) (*Message, error) {
	for _, c := range classifiers {
		if strings.HasPrefix(line, c.prefix) {
			return c.parse(line)
		}
	}
	return nil, nil
}

// Expected shape: FlowRate:<float>/Lmin,Total:<float>L
func parseTelemetry(line string) (*Message, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return nil, &ParseError{Line: line, Reason: "want two comma-separated fields"}
	}

	rateToken := strings.TrimPrefix(fields[0], prefixFlowRate)
	rateToken = strings.Split(rateToken, "/")[0]
	rate, err := strconv.ParseFloat(rateToken, 64)
	if err != nil {
		return nil, &ParseError{Line: line, Reason: "bad flow rate " + strconv.Quote(rateToken)}
	}

	totalToken := strings.TrimPrefix(fields[1], prefixTotal)
	totalToken = strings.TrimSuffix(totalToken, "L")
	total, err := strconv.ParseFloat(totalToken, 64)
	if err != nil {
		return nil, &ParseError{Line: line, Reason: "bad total volume " + strconv.Quote(totalToken)}
	}

	return &Message{
		Kind:      KindTelemetry,
		Telemetry: TelemetrySnapshot{FlowRateLMin: rate, TotalVolumeL: total},
	}, nil
}

// Expected shape: [LOG]{"datetime":"...","flowRate":2.1}
// Records missing either required field are discarded, not errors; the
// device occasionally emits partial rows while its clock is unset.
func parseLogRecord(line string) (*Message, error) {
	payload := strings.TrimSpace(line[len(prefixLog):])

	var record struct {
		Datetime *string  `json:"datetime"`
		FlowRate *float64 `json:"flowRate"`
	}
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, nil
	}
	if record.Datetime == nil || record.FlowRate == nil {
		return nil, nil
	}

	return &Message{
		Kind:  KindLogEntry,
		Entry: LogEntry{Datetime: *record.Datetime, FlowRate: *record.FlowRate},
	}, nil
}

// [CMD] lines are acknowledgments and status text meant for the user.
// The full line goes through verbatim, prefix included.
func parseCommandNotice(line string) (*Message, error) {
	return &Message{Kind: KindNotice, Notice: line}, nil
}
