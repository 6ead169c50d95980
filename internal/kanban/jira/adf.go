/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package jira

import (
	"strings"
)

// ADFDocument builds an Atlassian Document Format document from plain
// text: one paragraph per source line. Empty lines become empty
// paragraphs so round-tripped text keeps its shape.
func ADFDocument(text string) map[string]any {
	lines := strings.Split(text, "\n")
	content := make([]any, 0, len(lines))
	for _, line := range lines {
		paragraph := map[string]any{"type": "paragraph"}
		if line != "" {
			paragraph["content"] = []any{
				map[string]any{"type": "text", "text": line},
			}
		}
		content = append(content, paragraph)
	}
	return map[string]any{
		"type":    "doc",
		"version": 1,
		"content": content,
	}
}

// ADFToText flattens an ADF document (or a plain string body) back to
// text. Unknown node types are skipped rather than failing the caller.
func ADFToText(body any) string {
	switch v := body.(type) {
	case string:
		return v
	case map[string]any:
		var b strings.Builder
		flattenADF(v, &b)
		return strings.TrimRight(b.String(), "\n")
	default:
		return ""
	}
}

func flattenADF(node map[string]any, b *strings.Builder) {
	nodeType, _ := node["type"].(string)
	if nodeType == "text" {
		if text, ok := node["text"].(string); ok {
			b.WriteString(text)
		}
		return
	}
	children, _ := node["content"].([]any)
	for _, child := range children {
		childMap, ok := child.(map[string]any)
		if !ok {
			continue
		}
		flattenADF(childMap, b)
	}
	switch nodeType {
	case "paragraph", "heading", "codeBlock", "blockquote", "listItem":
		b.WriteByte('\n')
	}
}

// IsADFRejection reports whether a 400 response indicates the tenant
// rejected the ADF payload, in which case the caller retries once with a
// plain-text body.
func IsADFRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "400") && !strings.Contains(msg, "bad request") {
		return false
	}
	for _, marker := range []string{"adf", "document", "body format", "invalid comment body"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
