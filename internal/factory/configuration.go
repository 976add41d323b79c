package factory

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Configuration is a flat key/value option map.
type Configuration map[string]string

// String returns the value of opt, falling back to its default.
func (c Configuration) String(opt Option) string {
	if v, ok := c[opt.Key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return opt.Default
}

func (c Configuration) Int(opt Option) (int, error) {
	raw := c.String(opt)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidOption, opt.Key, raw)
	}
	return v, nil
}

func (c Configuration) Int64(opt Option) (int64, error) {
	raw := c.String(opt)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidOption, opt.Key, raw)
	}
	return v, nil
}

// Duration reads a millisecond count.
func (c Configuration) Duration(opt Option) (time.Duration, error) {
	ms, err := c.Int64(opt)
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidOption, opt.Key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Location resolves the pipeline's local time zone.
func (c Configuration) Location() (*time.Location, error) {
	zone := strings.TrimSpace(c[LocalTimeZoneKey])
	if zone == "" || zone == "systemDefault" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidOption, LocalTimeZoneKey, zone, err)
	}
	return loc, nil
}
