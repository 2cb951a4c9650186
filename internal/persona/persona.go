package persona

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

//go:embed friends.json
var builtinFriends []byte

// ErrNotFound is returned when no friend has the requested ID.
var ErrNotFound = errors.New("friend not found")

// Friend is one AI friend persona. The prompt-relevant fields are ID, Name,
// Type, Description, Traits and Specialty; the rest are for display.
type Friend struct {
	ID             int      `json:"id"`
	Name           string   `json:"name"`
	Emoji          string   `json:"emoji,omitempty"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	Traits         []string `json:"traits"`
	Specialty      string   `json:"specialty,omitempty"`
	WelcomeMessage string   `json:"welcomeMessage,omitempty"`
	Placeholder    string   `json:"placeholder,omitempty"`
	QuickStarters  []string `json:"quickStarters,omitempty"`
}

func (f Friend) clone() Friend {
	f.Traits = slices.Clone(f.Traits)
	f.QuickStarters = slices.Clone(f.QuickStarters)
	return f
}

// Catalog is an immutable, ID-indexed set of friends.
type Catalog struct {
	friends []Friend
	byID    map[int]int
}

// NewCatalog builds a catalog from friends, rejecting duplicate IDs and
// unnamed entries. The catalog keeps its own copy.
func NewCatalog(friends []Friend) (*Catalog, error) {
	c := &Catalog{
		friends: make([]Friend, 0, len(friends)),
		byID:    make(map[int]int, len(friends)),
	}
	for _, f := range friends {
		if f.Name == "" {
			return nil, fmt.Errorf("friend %d has no name", f.ID)
		}
		if _, dup := c.byID[f.ID]; dup {
			return nil, fmt.Errorf("duplicate friend id %d", f.ID)
		}
		c.byID[f.ID] = len(c.friends)
		c.friends = append(c.friends, f.clone())
	}
	sort.SliceStable(c.friends, func(i, j int) bool { return c.friends[i].ID < c.friends[j].ID })
	for i, f := range c.friends {
		c.byID[f.ID] = i
	}
	return c, nil
}

// Builtin returns the catalog shipped with the binary.
func Builtin() (*Catalog, error) {
	return Parse(builtinFriends)
}

// Parse decodes a JSON array of friends into a catalog.
func Parse(data []byte) (*Catalog, error) {
	var friends []Friend
	if err := json.Unmarshal(data, &friends); err != nil {
		return nil, fmt.Errorf("decoding friends: %w", err)
	}
	return NewCatalog(friends)
}

// Get returns a copy of the friend with the given ID.
func (c *Catalog) Get(id int) (Friend, error) {
	i, ok := c.byID[id]
	if !ok {
		return Friend{}, fmt.Errorf("friend %d: %w", id, ErrNotFound)
	}
	return c.friends[i].clone(), nil
}

// All returns copies of every friend ordered by ID.
func (c *Catalog) All() []Friend {
	out := make([]Friend, len(c.friends))
	for i, f := range c.friends {
		out[i] = f.clone()
	}
	return out
}

// Len returns the number of friends.
func (c *Catalog) Len() int { return len(c.friends) }
