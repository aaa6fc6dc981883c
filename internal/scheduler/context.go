package scheduler

import (
	"fmt"
	"strings"

	"github.com/loomwork/conclave/internal/clusterconfig"
	"github.com/loomwork/conclave/internal/ledger"
	"github.com/loomwork/conclave/internal/message"
)

// assembleContext builds the prompt string an agent execution sends to
// the Task Runner, in a fixed order: base prompt, the
// validator-only "Permanently Unverifiable Criteria" section, the
// contextStrategy sources, then the triggering message.
func (s *Scheduler) assembleContext(basePrompt string, triggering message.Message) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if s.agent.Role == clusterconfig.RoleValidator {
		if section := s.unverifiableCriteriaSection(); section != "" {
			b.WriteString("\n\n")
			b.WriteString(section)
		}
	}

	if s.agent.ContextStrategy != nil {
		for _, src := range s.agent.ContextStrategy.Sources {
			if section := s.contextSourceSection(src); section != "" {
				b.WriteString("\n\n")
				b.WriteString(section)
			}
		}
	}

	b.WriteString("\n\n")
	b.WriteString(triggeringMessageSection(triggering))

	return b.String()
}

// unverifiableCriteriaSection collects every criteriaResults[*] entry
// with status CANNOT_VALIDATE across all VALIDATION_RESULT messages
// since the cluster's createdAt, deduplicated, and formats them as a
// prompt section.
func (s *Scheduler) unverifiableCriteriaSection() string {
	msgs := s.deps.Ledger.Query(ledger.Query{
		Topic: message.TopicValidationResult,
		Since: s.deps.ClusterCreatedAt,
	})

	seen := make(map[string]bool)
	var criteria []string
	for _, m := range msgs {
		raw, ok := m.Content.Data["criteriaResults"].([]any)
		if !ok {
			continue
		}
		for _, entry := range raw {
			cr, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			status, _ := cr["status"].(string)
			if status != "CANNOT_VALIDATE" {
				continue
			}
			name, _ := cr["criterion"].(string)
			if name == "" {
				name, _ = cr["name"].(string)
			}
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			reason, _ := cr["reason"].(string)
			if reason == "" {
				criteria = append(criteria, name)
			} else {
				criteria = append(criteria, fmt.Sprintf("%s (%s)", name, reason))
			}
		}
	}
	if len(criteria) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Permanently Unverifiable Criteria:\n")
	for _, c := range criteria {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// contextSourceSection formats the most-recent N messages on src.Topic
// as "[topic] text" lines.
func (s *Scheduler) contextSourceSection(src clusterconfig.ContextSource) string {
	amount := src.Amount
	if amount <= 0 {
		amount = 1
	}
	msgs := s.deps.Ledger.Query(ledger.Query{Topic: src.Topic, Limit: amount})
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(fmt.Sprintf("[%s] %s\n", m.Topic, formatMessageBody(m)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func triggeringMessageSection(m message.Message) string {
	return fmt.Sprintf("Triggered by [%s] from %s:\n%s", m.Topic, m.Sender, formatMessageBody(m))
}

func formatMessageBody(m message.Message) string {
	if text := m.Content.GetText(); text != "" {
		return text
	}
	if len(m.Content.Data) > 0 {
		return fmt.Sprintf("%v", m.Content.Data)
	}
	return ""
}
