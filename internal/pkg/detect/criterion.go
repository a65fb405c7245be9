// Package detect implements the value-comparison predicates rule criteria are
// compiled into and matched against decoded protocol fields.
package detect

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode selects the comparison a Criterion performs.
type Mode int

const (
	ModeEqual Mode = iota
	ModeNotEqual
	ModeRange
)

// Criterion is a compiled numeric match predicate. Range bounds are inclusive.
// Negate inverts the comparison outcome and is set by a leading "!" in the
// textual form.
type Criterion struct {
	Mode   Mode
	Lo     uint64
	Hi     uint64
	Negate bool
}

// ParseCriterion compiles rule text into a Criterion. Accepted forms are a
// bare value, "!value", and "lo-hi". Whitespace before the value or the
// negation marker is ignored; whitespace anywhere else is rejected along with
// empty input, a bare "!", non-numeric remainders and inverted ranges.
func ParseCriterion(text string) (Criterion, error) {
	s := strings.TrimLeft(text, " \t")

	var c Criterion
	if strings.HasPrefix(s, "!") {
		c.Negate = true
		s = strings.TrimLeft(s[1:], " \t")
	}
	if s == "" {
		return Criterion{}, fmt.Errorf("empty criterion %q", text)
	}

	if lo, hi, found := strings.Cut(s, "-"); found {
		if c.Negate {
			return Criterion{}, fmt.Errorf("negated range criterion %q", text)
		}
		loVal, err := strconv.ParseUint(lo, 10, 64)
		if err != nil {
			return Criterion{}, fmt.Errorf("bad range lower bound %q: %w", lo, err)
		}
		hiVal, err := strconv.ParseUint(hi, 10, 64)
		if err != nil {
			return Criterion{}, fmt.Errorf("bad range upper bound %q: %w", hi, err)
		}
		if loVal > hiVal {
			return Criterion{}, fmt.Errorf("inverted range %q", text)
		}
		c.Mode = ModeRange
		c.Lo = loVal
		c.Hi = hiVal
		return c, nil
	}

	val, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Criterion{}, fmt.Errorf("bad criterion value %q: %w", s, err)
	}
	c.Mode = ModeEqual
	c.Lo = val
	return c, nil
}

// Match evaluates the criterion against a decoded value.
func (c Criterion) Match(value uint64) bool {
	var matched bool
	switch c.Mode {
	case ModeEqual:
		matched = value == c.Lo
	case ModeNotEqual:
		matched = value != c.Lo
	case ModeRange:
		matched = c.Lo <= value && value <= c.Hi
	}
	if c.Negate {
		return !matched
	}
	return matched
}
