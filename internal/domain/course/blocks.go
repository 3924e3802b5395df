package course

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// Block types that matter for grading.
const (
	TypeCourse     = "course"
	TypeChapter    = "chapter"
	TypeSequential = "sequential"
	TypeVertical   = "vertical"
	TypeProblem    = "problem"
)

// Block is one node of a course outline.
type Block struct {
	Key         UsageKey   `json:"key"`
	DisplayName string     `json:"display_name,omitempty"`
	Graded      bool       `json:"graded,omitempty"`
	Format      string     `json:"format,omitempty"`
	HasScore    bool       `json:"has_score,omitempty"`
	Weight      float64    `json:"weight,omitempty"` // maximum points for scorable blocks
	Children    []UsageKey `json:"children,omitempty"`
}

// Type returns the block's category.
func (b Block) Type() string {
	return b.Key.BlockType
}

// BlockStructure is a read-only DAG of a course run's content.
// It is safe for concurrent readers once built.
type BlockStructure struct {
	courseKey CourseKey
	version   string
	root      UsageKey
	order     []UsageKey
	blocks    map[UsageKey]*Block
	parents   map[UsageKey][]UsageKey
}

// NewBlockStructure validates blocks and links parents.
// Every child must be present and the graph must be acyclic.
func NewBlockStructure(courseKey CourseKey, version string, root UsageKey, blocks []Block) (*BlockStructure, error) {
	s := &BlockStructure{
		courseKey: courseKey,
		version:   version,
		root:      root,
		blocks:    make(map[UsageKey]*Block, len(blocks)),
		parents:   make(map[UsageKey][]UsageKey, len(blocks)),
	}

	for i := range blocks {
		b := blocks[i]
		if _, dup := s.blocks[b.Key]; dup {
			return nil, structureError("duplicate block %s", b.Key)
		}
		s.blocks[b.Key] = &b
		s.order = append(s.order, b.Key)
	}
	if _, ok := s.blocks[root]; !ok {
		return nil, structureError("root %s is not a block", root)
	}

	for _, key := range s.order {
		for _, child := range s.blocks[key].Children {
			if _, ok := s.blocks[child]; !ok {
				return nil, structureError("block %s references missing child %s", key, child)
			}
			s.parents[child] = append(s.parents[child], key)
		}
	}

	if err := s.checkAcyclic(); err != nil {
		return nil, err
	}
	return s, nil
}

func structureError(format string, args ...interface{}) error {
	return shared.WrapError("course", "Build", shared.ErrInvalidInput, "invalid block structure", fmt.Errorf(format, args...))
}

func (s *BlockStructure) checkAcyclic() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[UsageKey]int, len(s.blocks))

	var visit func(UsageKey) error
	visit = func(k UsageKey) error {
		color[k] = grey
		for _, c := range s.blocks[k].Children {
			switch color[c] {
			case grey:
				return structureError("cycle through %s", c)
			case white:
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		color[k] = black
		return nil
	}

	for _, k := range s.order {
		if color[k] == white {
			if err := visit(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// CourseKey returns the course run the structure describes.
func (s *BlockStructure) CourseKey() CourseKey { return s.courseKey }

// Version returns the content version the structure was built from.
func (s *BlockStructure) Version() string { return s.version }

// Root returns the course block key.
func (s *BlockStructure) Root() UsageKey { return s.root }

// Len returns the number of blocks.
func (s *BlockStructure) Len() int { return len(s.blocks) }

// Block returns a copy of the block for key.
func (s *BlockStructure) Block(key UsageKey) (Block, bool) {
	b, ok := s.blocks[key]
	if !ok {
		return Block{}, false
	}
	return *b, true
}

// Contains reports whether key is part of the structure.
func (s *BlockStructure) Contains(key UsageKey) bool {
	_, ok := s.blocks[key]
	return ok
}

// Parents returns the direct parents of key.
func (s *BlockStructure) Parents(key UsageKey) []UsageKey {
	return append([]UsageKey(nil), s.parents[key]...)
}

// SubsectionsContaining returns every sequential above key, sorted by key.
// A problem shared between subsections yields several entries.
func (s *BlockStructure) SubsectionsContaining(key UsageKey) []UsageKey {
	if !s.Contains(key) {
		return nil
	}

	seen := map[UsageKey]bool{key: true}
	queue := []UsageKey{key}
	var out []UsageKey

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.BlockType == TypeSequential {
			out = append(out, cur)
			continue
		}
		for _, p := range s.parents[cur] {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ScorableDescendants returns the scorable blocks under key in outline order,
// each block once.
func (s *BlockStructure) ScorableDescendants(key UsageKey) []Block {
	root, ok := s.blocks[key]
	if !ok {
		return nil
	}

	seen := make(map[UsageKey]bool)
	var out []Block

	var walk func(*Block)
	walk = func(b *Block) {
		if seen[b.Key] {
			return
		}
		seen[b.Key] = true
		if b.HasScore {
			out = append(out, *b)
		}
		for _, c := range b.Children {
			walk(s.blocks[c])
		}
	}
	walk(root)

	return out
}

// Subsections returns all sequentials in outline order.
func (s *BlockStructure) Subsections() []Block {
	var out []Block
	for _, k := range s.order {
		if k.BlockType == TypeSequential {
			out = append(out, *s.blocks[k])
		}
	}
	return out
}

type structureJSON struct {
	CourseKey CourseKey `json:"course_key"`
	Version   string    `json:"version"`
	Root      UsageKey  `json:"root"`
	Blocks    []Block   `json:"blocks"`
}

// MarshalJSON encodes the structure for caching.
func (s *BlockStructure) MarshalJSON() ([]byte, error) {
	doc := structureJSON{
		CourseKey: s.courseKey,
		Version:   s.version,
		Root:      s.root,
		Blocks:    make([]Block, 0, len(s.order)),
	}
	for _, k := range s.order {
		doc.Blocks = append(doc.Blocks, *s.blocks[k])
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes a cached structure, re-running validation.
func (s *BlockStructure) UnmarshalJSON(data []byte) error {
	var doc structureJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	built, err := NewBlockStructure(doc.CourseKey, doc.Version, doc.Root, doc.Blocks)
	if err != nil {
		return err
	}
	*s = *built
	return nil
}

// StructureProvider returns the block structure of a course, building and
// caching it when needed.
type StructureProvider interface {
	GetOrBuild(ctx context.Context, courseKey CourseKey) (*BlockStructure, error)
}

// ContentStore is the authoring-side source of course outlines.
type ContentStore interface {
	// Version returns an opaque token that changes whenever the outline changes.
	Version(ctx context.Context, courseKey CourseKey) (string, error)

	// Build assembles the block structure for the current version.
	Build(ctx context.Context, courseKey CourseKey) (*BlockStructure, error)
}
