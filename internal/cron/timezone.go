package cron

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "zclaw/pkg/logx"
)

const (
	// DefaultTimezone is the compiled-in descriptor used when nothing is
	// persisted. It is never written back to the store on its own.
	DefaultTimezone = "UTC0"

	maxTimezoneLen = 64
	fallbackAbbrev = "UTC"

	tzStoreKey = "cron/tz"
)

// SetTimezone validates and applies a timezone descriptor, then persists it.
// The descriptor may be an IANA zone name ("America/New_York") or a POSIX
// string ("UTC0", "PST8PDT", "UTC-5:30").
//
// Apply happens before persist: when the store write fails the applied value
// stays live and the failure is reported. An unpersisted timezone beats an
// inconsistent one.
func (s *Service) SetTimezone(ctx context.Context, descriptor string) error {
	if err := validateTimezone(descriptor); err != nil {
		return err
	}
	loc, err := resolveLocation(descriptor)
	if err != nil {
		return err
	}

	s.tzMu.Lock()
	s.tzDescriptor = descriptor
	s.tzLoc = loc
	s.tzMu.Unlock()

	s.log.Info("timezone applied", logx.String("tz", descriptor))

	if s.store == nil {
		return nil
	}
	if err := s.store.Set(ctx, tzStoreKey, []byte(descriptor)); err != nil {
		return fmt.Errorf("%w: timezone %q applied but not persisted: %w", ErrPersistFailed, descriptor, err)
	}
	return nil
}

// Timezone returns the active descriptor.
func (s *Service) Timezone() string {
	s.tzMu.RLock()
	defer s.tzMu.RUnlock()
	return s.tzDescriptor
}

// LocalNow returns the scheduler clock's reading of the current time in the
// active timezone.
func (s *Service) LocalNow() time.Time {
	return s.clock.Now().In(s.location())
}

// TimezoneAbbreviation returns the short zone label of the current local
// time ("UTC", "PST", "CEST"). Offset-only zones fall back to a fixed label.
func (s *Service) TimezoneAbbreviation() string {
	name := s.clock.Now().In(s.location()).Format("MST")
	if name == "" {
		return fallbackAbbrev
	}
	return name
}

func (s *Service) location() *time.Location {
	s.tzMu.RLock()
	defer s.tzMu.RUnlock()
	if s.tzLoc == nil {
		return time.UTC
	}
	return s.tzLoc
}

// loadTimezone applies the persisted descriptor, or the compiled-in default
// when nothing valid is stored. The default is not written back; only
// explicit SetTimezone calls persist.
func (s *Service) loadTimezone(ctx context.Context) {
	descriptor := s.cfg.DefaultTimezone
	if s.store != nil {
		if raw, ok, err := s.store.Get(ctx, tzStoreKey); err != nil {
			s.log.Warn("timezone load failed, using default", logx.Err(err))
		} else if ok {
			stored := string(raw)
			if validateTimezone(stored) == nil {
				descriptor = stored
			} else {
				s.log.Warn("stored timezone invalid, using default", logx.String("tz", stored))
			}
		}
	}

	loc, err := resolveLocation(descriptor)
	if err != nil {
		s.log.Warn("timezone unresolvable, using UTC", logx.String("tz", descriptor), logx.Err(err))
		descriptor, loc = DefaultTimezone, time.UTC
	}

	s.tzMu.Lock()
	s.tzDescriptor = descriptor
	s.tzLoc = loc
	s.tzMu.Unlock()
}

// ValidateTimezone reports whether a descriptor is well-formed and
// resolvable, without applying it anywhere.
func ValidateTimezone(descriptor string) error {
	if err := validateTimezone(descriptor); err != nil {
		return err
	}
	_, err := resolveLocation(descriptor)
	return err
}

func validateTimezone(descriptor string) error {
	if descriptor == "" {
		return fmt.Errorf("%w: empty descriptor", ErrInvalidTimezone)
	}
	if len(descriptor) > maxTimezoneLen {
		return fmt.Errorf("%w: descriptor exceeds %d bytes", ErrInvalidTimezone, maxTimezoneLen)
	}
	for i := 0; i < len(descriptor); i++ {
		if c := descriptor[i]; c < 0x20 || c == 0x7f {
			return fmt.Errorf("%w: control character at byte %d", ErrInvalidTimezone, i)
		}
	}
	return nil
}

// resolveLocation turns a descriptor into a location: IANA names resolve via
// the platform zone database, everything else goes through the POSIX parser.
func resolveLocation(descriptor string) (*time.Location, error) {
	if loc, err := time.LoadLocation(descriptor); err == nil {
		return loc, nil
	}
	return parsePosixTZ(descriptor)
}

// parsePosixTZ handles the STD±offset[DST[offset][,rule]] subset of the
// POSIX TZ grammar. The standard offset is applied year-round as a fixed
// zone; a DST designation and transition rules are accepted syntactically
// but not evaluated.
func parsePosixTZ(descriptor string) (*time.Location, error) {
	name, rest, err := posixZoneName(descriptor)
	if err != nil {
		return nil, err
	}
	offset, rest, err := posixOffset(rest)
	if err != nil {
		return nil, err
	}

	if rest != "" {
		// Optional DST designation.
		if _, r, err := posixZoneName(rest); err == nil {
			rest = r
			if rest != "" && rest[0] != ',' {
				if _, r, err := posixOffset(rest); err == nil {
					rest = r
				} else {
					return nil, fmt.Errorf("%w: bad dst offset in %q", ErrInvalidTimezone, descriptor)
				}
			}
		}
		if rest != "" {
			if rest[0] != ',' || !validPosixRule(rest[1:]) {
				return nil, fmt.Errorf("%w: trailing garbage in %q", ErrInvalidTimezone, descriptor)
			}
		}
	}

	// POSIX offsets count west of UTC; Go locations count east.
	return time.FixedZone(name, -offset), nil
}

// posixZoneName consumes a designation: three or more ASCII letters, or any
// run of alphanumerics/sign characters inside angle brackets.
func posixZoneName(s string) (name, rest string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("%w: missing zone name", ErrInvalidTimezone)
	}
	if s[0] == '<' {
		end := strings.IndexByte(s, '>')
		if end < 2 {
			return "", "", fmt.Errorf("%w: unterminated quoted name", ErrInvalidTimezone)
		}
		for i := 1; i < end; i++ {
			c := s[i]
			if !isAlphaNum(c) && c != '+' && c != '-' {
				return "", "", fmt.Errorf("%w: bad quoted name", ErrInvalidTimezone)
			}
		}
		return s[1:end], s[end+1:], nil
	}
	n := 0
	for n < len(s) && isAlpha(s[n]) {
		n++
	}
	if n < 3 {
		return "", "", fmt.Errorf("%w: zone name needs 3+ letters", ErrInvalidTimezone)
	}
	return s[:n], s[n:], nil
}

// posixOffset consumes [+|-]h[h][:mm[:ss]] and returns seconds.
func posixOffset(s string) (seconds int, rest string, err error) {
	if s == "" {
		return 0, "", fmt.Errorf("%w: missing offset", ErrInvalidTimezone)
	}
	sign := 1
	i := 0
	if s[i] == '+' || s[i] == '-' {
		if s[i] == '-' {
			sign = -1
		}
		i++
	}

	readNum := func(maxDigits int) (int, bool) {
		start := i
		for i < len(s) && i-start < maxDigits && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		if i == start {
			return 0, false
		}
		v := 0
		for _, c := range s[start:i] {
			v = v*10 + int(c-'0')
		}
		return v, true
	}

	hours, ok := readNum(2)
	if !ok || hours > 24 {
		return 0, "", fmt.Errorf("%w: bad offset hours", ErrInvalidTimezone)
	}
	minutes, secs := 0, 0
	if i < len(s) && s[i] == ':' {
		i++
		if minutes, ok = readNum(2); !ok || minutes > 59 {
			return 0, "", fmt.Errorf("%w: bad offset minutes", ErrInvalidTimezone)
		}
		if i < len(s) && s[i] == ':' {
			i++
			if secs, ok = readNum(2); !ok || secs > 59 {
				return 0, "", fmt.Errorf("%w: bad offset seconds", ErrInvalidTimezone)
			}
		}
	}
	return sign * (hours*3600 + minutes*60 + secs), s[i:], nil
}

// validPosixRule loosely checks a "start[/time],end[/time]" transition rule.
func validPosixRule(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
		case c == 'M' || c == 'J':
		case c == '.' || c == '/' || c == ':' || c == ',' || c == '+' || c == '-':
		default:
			return false
		}
	}
	return true
}

func isAlpha(c byte) bool    { return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') }
func isAlphaNum(c byte) bool { return isAlpha(c) || (c >= '0' && c <= '9') }
