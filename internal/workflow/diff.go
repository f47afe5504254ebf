package workflow

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"appforge/internal/extract"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// change summarizes how a merge altered the program.
type change struct {
	Fields   []string
	Inserted int
	Deleted  int
}

// Unchanged reports whether the response reproduced the program exactly.
func (c change) Unchanged() bool { return len(c.Fields) == 0 }

func (c change) String() string {
	if c.Unchanged() {
		return "no changes"
	}
	return fmt.Sprintf("+%d/-%d chars in %s", c.Inserted, c.Deleted, strings.Join(c.Fields, ", "))
}

// summarizeChange compares the program before a merge with the fields the
// response supplied.
func summarizeChange(before Program, r extract.Result) change {
	dmp := diffmatchpatch.New()
	var c change

	compare := func(name, old string, next *string) {
		if next == nil || *next == old {
			return
		}
		c.Fields = append(c.Fields, name)
		for _, d := range dmp.DiffMain(old, *next, false) {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				c.Inserted += utf8.RuneCountInString(d.Text)
			case diffmatchpatch.DiffDelete:
				c.Deleted += utf8.RuneCountInString(d.Text)
			}
		}
	}
	compare("html", before.HTML, r.HTML)
	compare("css", before.CSS, r.CSS)
	compare("js", before.JS, r.JS)
	return c
}
