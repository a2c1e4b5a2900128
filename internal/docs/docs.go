// Package docs extracts structured content Anima's Developer/Acceptor
// prompts need out of the human-authored markdown documents named in
// spec.md §6's on-disk layout: VISION.md, .anima/soul.md, and each
// milestone's {id}.md.
//
// Grounded on bureau-foundation/bureau's lib/ticketui markdown handling
// (goldmark.New with the GFM extension, text.NewReader plus
// Parser().Parse, and ast.Walk over the resulting document) adapted from
// terminal rendering to structural extraction: this package never
// renders, it only walks the AST looking for a specific heading and the
// list that follows it.
package docs

import (
	"os"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	parserInstance goldmark.Markdown
	parserOnce     sync.Once
)

func parser() goldmark.Markdown {
	parserOnce.Do(func() {
		parserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return parserInstance
}

// AcceptanceCriteriaHeading is the markdown heading the Iteration Engine
// looks for in a milestone document, per spec.md §4.6.2's "the milestone's
// full acceptance-criteria list."
const AcceptanceCriteriaHeading = "Acceptance Criteria"

// Milestone holds the structured content extracted from a milestone's
// {id}.md document.
type Milestone struct {
	Title               string
	AcceptanceCriteria  []string
	Body                string
}

// ParseMilestoneFile reads and parses a milestone document at path.
func ParseMilestoneFile(path string) (*Milestone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMilestone(data)
}

// ParseMilestone extracts the title (first H1), the acceptance-criteria
// list items (the markdown list immediately under the first heading
// whose text matches AcceptanceCriteriaHeading, case-insensitive), and
// the raw document body for use verbatim in prompt construction.
func ParseMilestone(source []byte) (*Milestone, error) {
	reader := text.NewReader(source)
	document := parser().Parser().Parse(reader)

	m := &Milestone{Body: string(source)}

	var inCriteria bool
	err := ast.Walk(document, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch n := node.(type) {
		case *ast.Heading:
			heading := strings.TrimSpace(collectText(n, source))
			if n.Level == 1 && m.Title == "" {
				m.Title = heading
			}
			inCriteria = strings.EqualFold(heading, AcceptanceCriteriaHeading)

		case *ast.List:
			if inCriteria {
				m.AcceptanceCriteria = append(m.AcceptanceCriteria, listItems(n, source)...)
				inCriteria = false // only the first list after the heading counts
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// collectText concatenates every Text/String leaf under node, ignoring
// inline styling — callers only need the plain text.
func collectText(node ast.Node, source []byte) string {
	var sb strings.Builder
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch n := child.(type) {
		case *ast.Text:
			sb.Write(n.Segment.Value(source))
		case *ast.String:
			sb.Write(n.Value)
		default:
			sb.WriteString(collectText(child, source))
		}
	}
	return sb.String()
}

// listItems returns the flattened text of each direct ListItem under
// list, one string per item.
func listItems(list *ast.List, source []byte) []string {
	var items []string
	for child := list.FirstChild(); child != nil; child = child.NextSibling() {
		item, ok := child.(*ast.ListItem)
		if !ok {
			continue
		}
		text := strings.TrimSpace(collectText(item, source))
		if text != "" {
			items = append(items, text)
		}
	}
	return items
}

// Soul holds the parsed content of .anima/soul.md: its raw text, passed
// through verbatim into every Acceptor prompt per spec.md §4.6.2.
type Soul struct {
	Body string
}

// ReadSoul loads .anima/soul.md verbatim; it is human-authored free text,
// not structured markdown Anima extracts from, so no parsing is needed
// beyond reading the file.
func ReadSoul(path string) (*Soul, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Soul{Body: string(data)}, nil
}

// ReadVision loads VISION.md verbatim for injection into the Developer
// prompt per spec.md §4.6.1.
func ReadVision(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
