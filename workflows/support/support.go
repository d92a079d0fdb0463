// Package support is a customer-service workflow used by the demo CLI
// and the test suite: triage routes a message to an FAQ answer, an
// order lookup, or a human escalation gate, and a tone pass formats the
// final reply. The escalation gate is the designated pause point.
package support

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convograph/statekit/controller"
)

const (
	NodeTriage    = "triage"
	NodeFAQ       = "faq"
	NodeOrder     = "order"
	NodeHumanGate = "human_gate"
	NodeTone      = "tone"
)

// PausePoints are the nodes the controller should interrupt before.
var PausePoints = []string{NodeHumanGate}

var orderIDPattern = regexp.MustCompile(`#?(\d{5})`)

var escalationKeywords = []string{
	"angry", "furious", "unacceptable", "refund", "cancel immediately", "human", "agent",
}

var faqReplies = map[string]string{
	"return":   "Our return policy allows returns within 30 days of purchase. Items must be unused and in original packaging.",
	"shipping": "Standard shipping takes 5-7 business days. Express shipping is available for 2-3 day delivery.",
	"payment":  "We accept all major credit cards, PayPal, and Apple Pay.",
	"contact":  "You can reach us at support@example.com or call 1-800-SUPPORT.",
}

type orderInfo struct {
	status   string
	delivery string
}

var mockOrders = map[string]orderInfo{
	"12345": {status: "In Transit", delivery: "Thursday, Dec 12"},
	"67890": {status: "Delivered", delivery: "Dec 8"},
	"11111": {status: "Processing", delivery: "Dec 15"},
}

type Workflow struct{}

func New() *Workflow {
	return &Workflow{}
}

// InitialState builds the complete state a new thread starts from. On
// resume only the incremental message is needed; this shape is only
// required once.
func InitialState(message string) map[string]any {
	now := time.Now().UTC().Format(time.RFC3339)
	return map[string]any{
		"user_message": message,
		"intent":       "",
		"order_id":     "",
		"draft_reply":  "",
		"final_reply":  "",
		"trace_id":     uuid.NewString()[:8],
		// The triage node records the message; starting empty keeps the
		// history free of duplicates.
		"conversation_history": []any{},
		"created_at":           now,
	}
}

func (w *Workflow) Entry() string {
	return NodeTriage
}

func (w *Workflow) Step(ctx context.Context, node string, st *controller.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.EnsureData()
	switch node {
	case NodeTriage:
		return w.triage(st)
	case NodeFAQ:
		return w.faq(st)
	case NodeOrder:
		return w.order(st)
	case NodeHumanGate:
		return w.humanGate(st)
	case NodeTone:
		return w.tone(st)
	default:
		return fmt.Errorf("unknown workflow node %q", node)
	}
}

func (w *Workflow) Next(ctx context.Context, node string, st *controller.State) (string, error) {
	_ = ctx
	switch node {
	case NodeTriage:
		intent, _ := st.Data["intent"].(string)
		switch intent {
		case "order":
			return NodeOrder, nil
		case "human":
			return NodeHumanGate, nil
		default:
			return NodeFAQ, nil
		}
	case NodeFAQ, NodeOrder, NodeHumanGate:
		return NodeTone, nil
	case NodeTone:
		return "", nil
	default:
		return "", fmt.Errorf("unknown workflow node %q", node)
	}
}

func (w *Workflow) triage(st *controller.State) error {
	message, _ := st.Data["user_message"].(string)
	appendHistory(st, "user", message)
	lower := strings.ToLower(message)

	for _, keyword := range escalationKeywords {
		if strings.Contains(lower, keyword) {
			st.Data["intent"] = "human"
			return nil
		}
	}

	if strings.Contains(lower, "order") || strings.Contains(message, "#") {
		st.Data["intent"] = "order"
		if match := orderIDPattern.FindStringSubmatch(message); match != nil {
			st.Data["order_id"] = match[1]
		}
		return nil
	}

	st.Data["intent"] = "faq"
	return nil
}

func (w *Workflow) faq(st *controller.State) error {
	message, _ := st.Data["user_message"].(string)
	lower := strings.ToLower(message)

	reply := ""
	for keyword, answer := range faqReplies {
		if strings.Contains(lower, keyword) {
			reply = answer
			break
		}
	}
	if reply == "" {
		reply = "I'd be happy to help! Could you please provide more details about your question?"
	}
	st.Data["draft_reply"] = reply
	return nil
}

func (w *Workflow) order(st *controller.State) error {
	orderID, _ := st.Data["order_id"].(string)
	if orderID == "" {
		st.Data["draft_reply"] = "I'd be happy to help with your order. Could you provide your order number? (Format: #12345)"
		return nil
	}

	info, ok := mockOrders[orderID]
	if !ok {
		st.Data["draft_reply"] = fmt.Sprintf("I couldn't find order #%s. Please check the order number and try again.", orderID)
		return nil
	}
	st.Data["draft_reply"] = fmt.Sprintf(
		"Order #%s status: %s. Expected delivery: %s. Is there anything else I can help you with?",
		orderID, info.status, info.delivery,
	)
	return nil
}

// humanGate only runs after the controller resumed the thread; the
// incremental message is the approver's decision.
func (w *Workflow) humanGate(st *controller.State) error {
	decision, _ := st.Data["user_message"].(string)
	appendHistory(st, "approver", decision)
	if strings.Contains(strings.ToLower(decision), "approv") {
		st.Data["draft_reply"] = "A support engineer has approved your request. We will process it right away."
	} else {
		st.Data["draft_reply"] = "A support engineer has reviewed your request: " + decision
	}
	return nil
}

func (w *Workflow) tone(st *controller.State) error {
	draft, _ := st.Data["draft_reply"].(string)
	if draft == "" {
		draft = "I'm here to help!"
	}
	final := "Thanks for reaching out! " + draft
	st.Data["final_reply"] = final
	appendHistory(st, "assistant", final)
	return nil
}

func appendHistory(st *controller.State, role, content string) {
	if content == "" {
		return
	}
	history, _ := st.Data["conversation_history"].([]any)
	history = append(history, map[string]any{
		"role":      role,
		"content":   content,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	st.Data["conversation_history"] = history
}
