// File: internal/oracle/prompt.go
// Description: Prompt assembly for model-backed providers. The prompt is the
// crawl loop's voice: screen context, what was already tried, feedback on the
// last action and the rules of engagement, followed by the UI XML itself.
package oracle

import (
	"fmt"
	"os"
	"strings"
)

// systemInstruction frames every request. The response shape itself is
// enforced through the structured-output schema, not prose.
const systemInstruction = `You are an expert Android app tester driving fully automated UI exploration.
On every turn you receive the current screen context of the app under test and must choose the SINGLE best next action to discover screens not seen before.
Respond with a single JSON object matching the response schema and nothing else.`

// loopAlertVisitThreshold is the visit count above which the prompt starts
// warning the model that it is going in circles.
const loopAlertVisitThreshold = 3

// historyAnalysisWindow bounds how far back loop analysis looks.
const historyAnalysisWindow = 5

// actionDescriptions is the one-line vocabulary legend shown to the model.
var actionDescriptions = map[string]string{
	ActionTap:        "Tap an interactive element. target_identifier names it.",
	ActionInput:      "Type input_text into the field named by target_identifier.",
	ActionScrollUp:   "Scroll the view upwards.",
	ActionScrollDown: "Scroll the view downwards.",
	ActionSwipeLeft:  "Swipe content from right to left (carousels, tab strips).",
	ActionSwipeRight: "Swipe content from left to right.",
	ActionLongPress:  "Press and hold a target element (context menu or options).",
	ActionBack:       "Navigate back using the system back button.",
	ActionWait:       "Do nothing briefly. Only when the screen is visibly still loading.",
}

// testCredentials is the fixed identity the model is told to use whenever a
// form asks for one. Values come from the environment so CI can point the
// crawler at accounts that actually exist.
type testCredentials struct {
	Email    string
	Password string
	Name     string
}

func credentialsFromEnv() testCredentials {
	return testCredentials{
		Email:    envOr("TEST_EMAIL", "test.user@example.com"),
		Password: envOr("TEST_PASSWORD", "Str0ngP@ssw0rd!"),
		Name:     envOr("TEST_NAME", "Test User"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// buildPrompt renders the user-turn text for one decision.
func buildPrompt(req *Request) string {
	var b strings.Builder
	creds := credentialsFromEnv()

	b.WriteString("Choose the SINGLE best next action based on the screenshot and the UI XML below.\n")

	if req.LastActionFeedback != "" {
		b.WriteString("\nCRITICAL FEEDBACK ON YOUR PREVIOUS ACTION:\n")
		b.WriteString(req.LastActionFeedback)
		b.WriteString("\nBased on this feedback, you MUST choose a different action to avoid getting stuck.\n")
	}

	b.WriteString("\nCURRENT SCREEN CONTEXT:\n")
	fmt.Fprintf(&b, "- App package under test: %s\n", req.AppPackage)
	fmt.Fprintf(&b, "- Visit count (this session): %d\n", req.VisitCount)

	repeated, recent := analyzeHistory(req.PreviousActions)
	if req.VisitCount > loopAlertVisitThreshold || len(repeated) > 0 {
		fmt.Fprintf(&b, "\nLOOP ALERT: visits=%d. Looping actions: %s. Tried recently: %s. Pick a different action or element; use 'back' if stuck.\n",
			req.VisitCount, joinOrNone(repeated), joinOrNone(recent))
	}

	b.WriteString("\nPrevious actions on this screen:\n")
	if len(req.PreviousActions) == 0 {
		b.WriteString("None\n")
	} else {
		for _, action := range req.PreviousActions {
			fmt.Fprintf(&b, "- %s\n", action)
		}
	}

	b.WriteString("\nKey guidance:\n")
	fmt.Fprintf(&b, "- Prefer progression within %s; avoid actions that leave the package.\n", req.AppPackage)
	b.WriteString("- If stuck or looping, choose a different action; use back only when needed.\n")
	b.WriteString("- Explore features reachable without signing in first; prefer guest or skip options when offered.\n")
	b.WriteString("- For inputs: use the test credentials below; otherwise realistic values, never placeholders like \"test\" or \"asdf\".\n")
	b.WriteString("- Provide target_identifier exactly as the visible text, resource-id or content-desc from the XML.\n")

	b.WriteString("\nTest credentials:\n")
	fmt.Fprintf(&b, "- Email/Username: %s\n", creds.Email)
	fmt.Fprintf(&b, "- Password: %s\n", creds.Password)
	fmt.Fprintf(&b, "- Name: %s\n", creds.Name)

	b.WriteString("\nAvailable actions:\n")
	for _, action := range SupportedActions {
		fmt.Fprintf(&b, "- %s: %s\n", action, actionDescriptions[action])
	}

	b.WriteString("\nUI XML of the current screen:\n```xml\n")
	if req.SimplifiedTree == "" {
		b.WriteString("No XML context provided for this screen.")
	} else {
		b.WriteString(req.SimplifiedTree)
	}
	b.WriteString("\n```")

	return b.String()
}

// analyzeHistory inspects the tail of a screen's action history and reports
// actions that repeat within the window plus the distinct recent ones.
// Consecutive duplicates are already collapsed by the history recorder, so a
// repeat here means the loop keeps coming back to the same move.
func analyzeHistory(actions []string) (repeated, recent []string) {
	window := actions
	if len(window) > historyAnalysisWindow {
		window = window[len(window)-historyAnalysisWindow:]
	}

	counts := make(map[string]int, len(window))
	for _, a := range window {
		counts[a]++
	}

	seen := make(map[string]bool, len(window))
	for _, a := range window {
		if seen[a] {
			continue
		}
		seen[a] = true
		recent = append(recent, a)
		if counts[a] >= 2 {
			repeated = append(repeated, a)
		}
	}
	return repeated, recent
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}
