// Package validate checks a raw completion against the hard constraints of a
// turn and drives the bounded repair loop.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var (
	reasoningBlock = regexp.MustCompile(`(?is)<(?:think|thinking|reasoning)>.*?</(?:think|thinking|reasoning)>`)
	reasoningFence = regexp.MustCompile("(?is)```\\s*(?:think|thinking|reasoning)\\b.*?```")
	bracketThought = regexp.MustCompile(`(?s)【思考】.*?【/思考】`)
	strayCloseTag  = regexp.MustCompile(`(?is)^.*?</(?:think|thinking|reasoning)>`)
	strayTag       = regexp.MustCompile(`(?i)</?(?:think|thinking|reasoning)>`)

	labelledLine = regexp.MustCompile(`(?i)^\s*(?:thought|thinking|reasoning|analysis|inner monologue|思考|分析|内心独白)\s*[:：]`)
	openerLine   = regexp.MustCompile(`(?i)^\s*(?:let me (?:think|see|analy[sz]e|consider)|i (?:need|should|will) (?:to )?(?:respond|reply|answer|think)|okay,? so|hmm+,?\s*let me)\b.*\b(?:user|respond|reply|response|persona|character|roleplay)\b`)
	openerLineZh = regexp.MustCompile(`^\s*(?:让我想想|让我思考|我想想|我需要|我应该|好的，?我来|嗯，?让我).*(?:用户|回复|回应|人设|角色|扮演)`)

	metaBlock = regexp.MustCompile(`(?is)<meta>(.*?)</meta>`)
	metaOpen  = regexp.MustCompile(`(?is)<meta>.*$`)
)

// Sanitize removes leaked reasoning and meta-commentary from a completion.
func Sanitize(text string) string {
	out := reasoningBlock.ReplaceAllString(text, "")
	out = reasoningFence.ReplaceAllString(out, "")
	out = bracketThought.ReplaceAllString(out, "")
	if strings.Contains(strings.ToLower(out), "</think") && !strings.Contains(strings.ToLower(out), "<think") {
		// Some models omit the opening tag; everything before the close is reasoning.
		out = strayCloseTag.ReplaceAllString(out, "")
	}
	out = strayTag.ReplaceAllString(out, "")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	drop := 0
	for drop < len(lines) {
		l := lines[drop]
		if strings.TrimSpace(l) == "" || labelledLine.MatchString(l) || openerLine.MatchString(l) || openerLineZh.MatchString(l) {
			drop++
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines[drop:], "\n"))
}

// Metadata is the structured side record a completion carries at its end.
type Metadata struct {
	Mood    string `json:"mood"`
	Thought string `json:"thought"`
}

var ErrNoMetadata = errors.New("validate: metadata block missing")

// ExtractMetadata strips every metadata block out of text and parses the last
// one. The returned body never contains a block, even when parsing fails.
func ExtractMetadata(text string) (string, *Metadata, error) {
	matches := metaBlock.FindAllStringSubmatch(text, -1)
	body := metaBlock.ReplaceAllString(text, "")
	truncated := metaOpen.FindString(body)
	body = strings.TrimSpace(metaOpen.ReplaceAllString(body, ""))

	if len(matches) == 0 {
		if truncated != "" {
			return body, nil, errors.New("validate: metadata block not closed")
		}
		return body, nil, ErrNoMetadata
	}
	meta, err := parseMetadata(matches[len(matches)-1][1])
	if err != nil {
		return body, nil, err
	}
	return body, meta, nil
}

func parseMetadata(raw string) (*Metadata, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.Trim(raw, "`\n ")

	var out Metadata
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("validate: decode metadata: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, errors.New("validate: decode metadata: multiple JSON values")
		}
		return nil, fmt.Errorf("validate: decode metadata trailing data: %w", err)
	}
	out.Mood = strings.TrimSpace(out.Mood)
	out.Thought = strings.TrimSpace(out.Thought)
	if out.Mood == "" {
		return nil, errors.New("validate: metadata missing mood")
	}
	return &out, nil
}
