// Package content loads authored course outlines from YAML and assembles
// them into block structures for grading.
//
// An outline nests chapters, subsections, units and problems:
//
//	course_key: course-v1:edX+DemoX+2024
//	chapters:
//	  - id: week1
//	    subsections:
//	      - id: hw1
//	        graded: true
//	        format: Homework
//	        units:
//	          - id: u1
//	            problems:
//	              - id: p1
//	                weight: 2
//
// A problem id listed under more than one unit is a single shared block.
package content

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/alem-hub/persistent-grades/internal/domain/course"
	"github.com/alem-hub/persistent-grades/internal/domain/shared"
)

// Outline is the YAML document for one course run.
type Outline struct {
	CourseKey   string    `yaml:"course_key" validate:"required"`
	DisplayName string    `yaml:"display_name"`
	Chapters    []Chapter `yaml:"chapters" validate:"required,min=1,dive"`
}

// Chapter groups subsections.
type Chapter struct {
	ID          string       `yaml:"id" validate:"required,blockid"`
	DisplayName string       `yaml:"display_name"`
	Subsections []Subsection `yaml:"subsections" validate:"dive"`
}

// Subsection is the unit grades are persisted for.
type Subsection struct {
	ID          string `yaml:"id" validate:"required,blockid"`
	DisplayName string `yaml:"display_name"`
	Graded      bool   `yaml:"graded"`
	Format      string `yaml:"format" validate:"required_if=Graded true"`
	Units       []Unit `yaml:"units" validate:"dive"`
}

// Unit holds problems.
type Unit struct {
	ID          string    `yaml:"id" validate:"required,blockid"`
	DisplayName string    `yaml:"display_name"`
	Problems    []Problem `yaml:"problems" validate:"dive"`
}

// Problem is a scorable leaf.
type Problem struct {
	ID          string  `yaml:"id" validate:"required,blockid"`
	DisplayName string  `yaml:"display_name"`
	Weight      float64 `yaml:"weight" validate:"gte=0"`
	Ungraded    bool    `yaml:"ungraded"`
}

const blockIDTag = "blockid"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report YAML field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation(blockIDTag, func(fl validator.FieldLevel) bool {
		id := fl.Field().String()
		return strings.TrimSpace(id) == id && !strings.ContainsAny(id, "+@: /")
	})
	return v
}

// ParseOutline decodes and validates a YAML outline.
func ParseOutline(data []byte) (*Outline, error) {
	var o Outline
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, shared.WrapError("content", "Parse", shared.ErrInvalidFormat, "malformed outline", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Validate checks field constraints and the course key.
func (o *Outline) Validate() error {
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return shared.WrapError("content", "Validate", shared.ErrValidation, strings.Join(msgs, "; "), err)
		}
		return err
	}
	if _, err := course.ParseCourseKey(o.CourseKey); err != nil {
		return err
	}
	return nil
}

// Structure assembles the block structure for version.
func (o *Outline) Structure(version string) (*course.BlockStructure, error) {
	courseKey, err := course.ParseCourseKey(o.CourseKey)
	if err != nil {
		return nil, err
	}

	root := course.NewUsageKey(courseKey, course.TypeCourse, "course")
	blocks := []course.Block{{Key: root, DisplayName: o.DisplayName}}
	problems := make(map[course.UsageKey]int)

	for _, ch := range o.Chapters {
		chKey := course.NewUsageKey(courseKey, course.TypeChapter, ch.ID)
		blocks[0].Children = append(blocks[0].Children, chKey)
		chapter := course.Block{Key: chKey, DisplayName: ch.DisplayName}

		for _, sub := range ch.Subsections {
			subKey := course.NewUsageKey(courseKey, course.TypeSequential, sub.ID)
			chapter.Children = append(chapter.Children, subKey)
			seq := course.Block{Key: subKey, DisplayName: sub.DisplayName, Graded: sub.Graded, Format: sub.Format}

			for _, u := range sub.Units {
				uKey := course.NewUsageKey(courseKey, course.TypeVertical, u.ID)
				seq.Children = append(seq.Children, uKey)
				unit := course.Block{Key: uKey, DisplayName: u.DisplayName}

				for _, p := range u.Problems {
					pKey := course.NewUsageKey(courseKey, course.TypeProblem, p.ID)
					unit.Children = append(unit.Children, pKey)
					b := course.Block{
						Key:         pKey,
						DisplayName: p.DisplayName,
						Graded:      !p.Ungraded,
						HasScore:    true,
						Weight:      p.Weight,
					}
					if i, seen := problems[pKey]; seen {
						if blocks[i].Weight != b.Weight || blocks[i].Graded != b.Graded {
							return nil, shared.NewDomainError("content", "Structure", shared.ErrValidation,
								fmt.Sprintf("shared problem %s is defined inconsistently", p.ID))
						}
						continue
					}
					problems[pKey] = len(blocks)
					blocks = append(blocks, b)
				}
				blocks = append(blocks, unit)
			}
			blocks = append(blocks, seq)
		}
		blocks = append(blocks, chapter)
	}

	return course.NewBlockStructure(courseKey, version, root, blocks)
}
