package tools

import (
	"context"
	"fmt"
	"time"
)

const maxWait = 5 * time.Minute

// RegisterBuiltins adds the runtime's own utility tools
func RegisterBuiltins(r *Registry) error {
	builtins := []Definition{
		{
			Name:        "current_time",
			Description: "Returns the current time in RFC 3339 format, optionally in an IANA time zone.",
			Parameters: []Parameter{
				{Name: "timezone", Type: "string", Description: "IANA time zone name, e.g. Europe/Berlin"},
			},
			Handler: currentTime,
		},
		{
			Name:        "wait",
			Description: "Pauses for the given number of seconds before continuing.",
			Parameters: []Parameter{
				{Name: "seconds", Type: "number", Description: "How long to wait", Required: true},
			},
			Timeout:  maxWait + time.Second,
			Blocking: true,
			Handler:  wait,
		},
	}
	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func currentTime(_ context.Context, args map[string]any) (any, error) {
	now := time.Now()
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		now = now.In(loc)
	}
	return now.Format(time.RFC3339), nil
}

func wait(ctx context.Context, args map[string]any) (any, error) {
	seconds, _ := args["seconds"].(float64)
	if seconds < 0 {
		return nil, fmt.Errorf("seconds must not be negative")
	}
	d := min(time.Duration(seconds*float64(time.Second)), maxWait)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return fmt.Sprintf("waited %s", d), nil
	}
}
