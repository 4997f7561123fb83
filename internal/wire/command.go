package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// OptFloat is an optional numeric command field. Fields a framing did not
// produce stay unset and keep their previous blackboard value on merge.
type OptFloat struct {
	Set   bool
	Value float64
}

// Float wraps v as a set OptFloat.
func Float(v float64) OptFloat {
	return OptFloat{Set: true, Value: v}
}

// Command is the structured result of interpreting one inbound payload.
// Pas is always produced (worst case the whole payload verbatim); the
// numeric fields are produced only when the winning framing yields them.
type Command struct {
	Pas   string
	Speed OptFloat
	Range OptFloat
	Dist  OptFloat
}

// Interpret parses one raw Command/RX payload into a Command. It never
// fails: the payload is decoded as UTF-8 with invalid sequences replaced,
// trimmed, and matched against four framings in fixed precedence order.
// There is no format tag on the wire; the trigger conditions below are the
// entire disambiguation policy and must not be reordered:
//
//  1. JSON object  - only if the string starts with "{" and ends with "}".
//     Unparsable JSON falls through to 2.
//  2. key:value    - only if the string contains both ":" and ",". Succeeds
//     unconditionally once triggered, even if no key is recognized.
//  3. plain CSV    - only if the string contains "," (and no ":").
//  4. fallback     - the whole trimmed string becomes Pas.
//
// The comma+colon test is knowingly fragile (a bare Pas value containing a
// colon, such as a timestamp, routes into framing 2); the deployed peers
// depend on it, so it stays.
func Interpret(raw []byte) Command {
	s := strings.TrimSpace(strings.ToValidUTF8(string(raw), string(utf8.RuneError)))

	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
		if cmd, ok := interpretJSON(s); ok {
			return cmd
		}
	}

	hasColon := strings.Contains(s, ":")
	hasComma := strings.Contains(s, ",")
	switch {
	case hasColon && hasComma:
		return interpretKeyValue(s)
	case hasComma:
		return interpretCSV(s)
	default:
		return Command{Pas: s}
	}
}

// interpretJSON handles framing 1. Absent keys default: Pas to "" (after
// trying the legacy "rx" key), Speed and Range to 0. Non-numeric values for
// the numeric keys also default to 0 rather than failing the framing; only
// malformed JSON falls through.
func interpretJSON(s string) (Command, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return Command{}, false
	}

	cmd := Command{Speed: Float(0), Range: Float(0)}
	if v, ok := obj["pas"]; ok {
		cmd.Pas = stringify(v)
	} else if v, ok := obj["rx"]; ok {
		cmd.Pas = stringify(v)
	}
	cmd.Speed = Float(numeric(obj["speed"]))
	if v, ok := obj["c_range"]; ok {
		cmd.Range = Float(numeric(v))
	} else {
		cmd.Range = Float(numeric(obj["range"]))
	}
	return cmd, true
}

// interpretKeyValue handles framing 2: split on ",", then each segment on
// the first ":". Keys are trimmed and case-insensitive; unrecognized keys
// and non-numeric values for the numeric keys are silently ignored.
func interpretKeyValue(s string) Command {
	cmd := Command{Speed: Float(0), Range: Float(0)}
	for _, part := range strings.Split(s, ",") {
		k, v, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		val := strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "pas", "rx":
			cmd.Pas = val
		case "speed":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				cmd.Speed = Float(f)
			}
		case "c_range", "range", "crange":
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				cmd.Range = Float(f)
			}
		}
	}
	return cmd
}

// interpretCSV handles framing 3: positional pas, speed, range, dist. The
// numeric positions are set only when they parse; the fourth position is
// carried for the deployment whose client sends "pas,speed,range,dist".
func interpretCSV(s string) Command {
	parts := strings.Split(s, ",")
	cmd := Command{Pas: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		cmd.Speed = parseOpt(parts[1])
	}
	if len(parts) > 2 {
		cmd.Range = parseOpt(parts[2])
	}
	if len(parts) > 3 {
		cmd.Dist = parseOpt(parts[3])
	}
	return cmd
}

func parseOpt(s string) OptFloat {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return OptFloat{}
	}
	return Float(f)
}

// numeric coerces a decoded JSON value to float64, defaulting to 0 for
// absent, null, boolean and unparsable values.
func numeric(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return f
		}
	}
	return 0
}

// stringify renders a decoded JSON value the way the firmware did: strings
// verbatim, numbers in their shortest form, anything else via fmt.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
