package config

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/zeitwork/amibuild/internal/builder/types"
)

// Tags is an ordered list of tags, written as "k=v,k=v". Order and
// repeated keys are kept as given.
type Tags struct {
	list []types.Tag
}

// ParseTags parses "k=v,k=v". Values may contain '='; blank entries are
// ignored.
func ParseTags(s string) (Tags, error) {
	var tags Tags
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		k, v, ok := strings.Cut(entry, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return Tags{}, fmt.Errorf("invalid tag %q, expected key=value", entry)
		}
		tags.list = append(tags.list, types.Tag{Key: k, Value: strings.TrimSpace(v)})
	}
	return tags, nil
}

// NewTags builds Tags from pairs
func NewTags(tags ...types.Tag) Tags {
	return Tags{list: append([]types.Tag(nil), tags...)}
}

func (t *Tags) UnmarshalText(text []byte) error {
	parsed, err := ParseTags(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Tags) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t Tags) String() string {
	return strings.Join(lo.Map(t.list, func(tag types.Tag, _ int) string {
		return tag.Key + "=" + tag.Value
	}), ",")
}

// List returns a copy of the tags in order
func (t Tags) List() []types.Tag {
	return append([]types.Tag(nil), t.list...)
}

func (t Tags) Len() int { return len(t.list) }
