// Package template renders action content for a single row: value
// substitution, conditional blocks, and the textual rewrite used when a
// condition is renamed.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrTemplateEval indicates malformed markup or an unknown condition name.
var ErrTemplateEval = errors.New("template: evaluation failed")

var (
	variablePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	ifOpenPattern   = regexp.MustCompile(`\{%\s*if\s+([A-Za-z_][A-Za-z0-9_]*)\s*%\}`)
	ifClosePattern  = regexp.MustCompile(`\{%\s*endif\s*%\}`)
	anyTagPattern   = regexp.MustCompile(`\{%\s*(if\s+[A-Za-z_][A-Za-z0-9_]*|endif)\s*%\}`)
)

// Render substitutes row values and attributes into the content and keeps
// or drops {% if name %}…{% endif %} blocks according to the evaluated
// condition map. Unknown variables render as empty text; an unknown
// condition or unbalanced block fails with ErrTemplateEval.
func Render(
	content string,
	context map[string]any,
	conditions map[string]bool,
) (string, error) {
	resolved, err := resolveConditionBlocks(content, conditions)
	if err != nil {
		return "", err
	}
	return variablePattern.ReplaceAllStringFunc(resolved, func(match string) string {
		name := strings.TrimSpace(variablePattern.FindStringSubmatch(match)[1])
		value, ok := context[name]
		if !ok || value == nil {
			return ""
		}
		return formatValue(value)
	}), nil
}

// resolveConditionBlocks walks the tag stream keeping track of block
// nesting, emitting text only when every enclosing condition holds.
func resolveConditionBlocks(
	content string,
	conditions map[string]bool,
) (string, error) {
	var output strings.Builder
	// Stack of condition truth values for the open blocks.
	var stack []bool
	cursor := 0

	for _, loc := range anyTagPattern.FindAllStringIndex(content, -1) {
		segment := content[cursor:loc[0]]
		if allTrue(stack) {
			output.WriteString(segment)
		}
		tag := content[loc[0]:loc[1]]
		cursor = loc[1]

		if open := ifOpenPattern.FindStringSubmatch(tag); open != nil {
			name := open[1]
			holds, known := conditions[name]
			if !known {
				return "", fmt.Errorf(
					"%w: unknown condition %q", ErrTemplateEval, name)
			}
			stack = append(stack, holds)
			continue
		}
		if ifClosePattern.MatchString(tag) {
			if len(stack) == 0 {
				return "", fmt.Errorf(
					"%w: endif without matching if", ErrTemplateEval)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) != 0 {
		return "", fmt.Errorf("%w: unterminated if block", ErrTemplateEval)
	}
	if cursor < len(content) {
		output.WriteString(content[cursor:])
	}
	return output.String(), nil
}

// RenameCondition rewrites the {% if oldName %} surface of the content to
// reference the new name, leaving everything else untouched.
func RenameCondition(content, oldName, newName string) string {
	pattern := regexp.MustCompile(
		`\{%(\s*)if(\s+)` + regexp.QuoteMeta(oldName) + `(\s*)%\}`)
	return pattern.ReplaceAllString(
		content, `{%${1}if${2}`+newName+`${3}%}`)
}

// RenameVariable rewrites {{ oldName }} references to the new name. Column
// renames broadcast through this so action content keeps rendering.
func RenameVariable(content, oldName, newName string) string {
	pattern := regexp.MustCompile(
		`\{\{(\s*)` + regexp.QuoteMeta(oldName) + `(\s*)\}\}`)
	return pattern.ReplaceAllString(content, `{{${1}`+newName+`${2}}}`)
}

// UsesCondition reports whether the content guards any block with the
// condition name.
func UsesCondition(content, name string) bool {
	pattern := regexp.MustCompile(
		`\{%\s*if\s+` + regexp.QuoteMeta(name) + `\s*%\}`)
	return pattern.MatchString(content)
}

// Variables lists the distinct {{ name }} references in the content.
func Variables(content string) []string {
	var names []string
	seen := map[string]struct{}{}
	for _, match := range variablePattern.FindAllStringSubmatch(content, -1) {
		name := strings.TrimSpace(match[1])
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

func allTrue(stack []bool) bool {
	for _, holds := range stack {
		if !holds {
			return false
		}
	}
	return true
}

func formatValue(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case bool:
		return strconv.FormatBool(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	case time.Time:
		return typed.Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", value)
}
