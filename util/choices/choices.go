// Package choices implements a pflag.Value that accepts one of a fixed set of strings.
package choices

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

type Choices struct {
	choices    []string
	value      string
	typeString string
}

var _ pflag.Value = (*Choices)(nil)

// New returns a Choices set to def. def need not be one of choices.
func New(def string, choices ...string) *Choices {
	return &Choices{
		choices:    choices,
		value:      def,
		typeString: strings.Join(choices, "|"),
	}
}

func (c *Choices) Usage() string {
	quoted := make([]string, len(c.choices))
	for i, ch := range c.choices {
		quoted[i] = fmt.Sprintf("%q", ch)
	}
	return fmt.Sprintf("one of %s", strings.Join(quoted, ","))
}

func (c *Choices) Value() string { return c.value }

func (c *Choices) Set(input string) error {
	for _, ch := range c.choices {
		if ch == input {
			c.value = input
			return nil
		}
	}
	return fmt.Errorf("invalid value %q: must be %s", input, c.Usage())
}

func (c *Choices) String() string { return c.value }

func (c *Choices) SetTypeString(ts string) {
	c.typeString = ts
}

func (c *Choices) Type() string { return c.typeString }
