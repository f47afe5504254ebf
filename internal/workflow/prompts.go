package workflow

import (
	"fmt"
	"strings"

	"appforge/internal/ai"
)

const codeFormat = "Respond with the complete code in exactly three fenced blocks: ```html (body markup only, " +
	"no <style> or <script> tags), ```css and ```javascript. Do not add explanations outside the blocks."

func programBlocks(p Program) string {
	var b strings.Builder
	fmt.Fprintf(&b, "```html\n%s\n```\n\n```css\n%s\n```\n\n```javascript\n%s\n```", p.HTML, p.CSS, p.JS)
	return b.String()
}

func section(title, body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	return "\n\n" + title + ":\n" + body
}

func researchMessages(prompt string) []ai.Message {
	return []ai.Message{
		ai.System("You are a front-end research analyst. List the key features, UX considerations, " +
			"accessibility concerns and technical pitfalls for the requested web app. Be concise; use short bullet points."),
		ai.User("Web app request: " + prompt),
	}
}

func discussionMessages(prompt, research string, turns int) []ai.Message {
	return []ai.Message{
		ai.System(fmt.Sprintf("You simulate a %d-turn design discussion between a product manager, a UX designer "+
			"and a senior front-end engineer about a small web app. Each reply is one short turn (two or three "+
			"sentences) that builds on the previous turns and names the speaker.", turns)),
		ai.User("User request: " + prompt + section("Research notes", research) + "\n\nStart turn 1."),
	}
}

func nextTurnMessage(turn int) ai.Message {
	return ai.User(fmt.Sprintf("Continue with turn %d. Build on what was said and settle open questions.", turn))
}

func initialMessages(prompt, research, discussion string) []ai.Message {
	return []ai.Message{
		ai.System("You are an expert front-end developer. Build a complete, working single-page web app " +
			"from the user's request using plain HTML, CSS and JavaScript. " + codeFormat),
		ai.User("Request: " + prompt + section("Research notes", research) + section("Team discussion", discussion)),
	}
}

func planningMessages(prompt, research, discussion string, program Program, maxSteps int) []ai.Message {
	return []ai.Message{
		ai.System(fmt.Sprintf("You are a senior engineer planning incremental improvements to an existing web app. "+
			"Reply ONLY with a numbered list of at most %d concrete, independent-sized steps, one per line, "+
			"formatted like '1. Add ...'. No headings or commentary.", maxSteps)),
		ai.User("Original request: " + prompt + section("Research notes", research) +
			section("Team discussion", discussion) + "\n\nCurrent code:\n" + programBlocks(program)),
	}
}

func stepMessages(prompt, planText, step string, index, total int, program Program) []ai.Message {
	return []ai.Message{
		ai.System("You are an expert front-end developer applying one enhancement step to an existing web app. " +
			"Keep all existing behaviour unless the step says otherwise. " + codeFormat +
			" You may omit a block only when that file needs no change."),
		ai.User(fmt.Sprintf("Original request: %s\n\nFull plan:\n%s\n\nApply step %d of %d: %s\n\nCurrent code:\n%s",
			prompt, planText, index+1, total, step, programBlocks(program))),
	}
}

func refineMessages(request, research string, program Program) []ai.Message {
	return []ai.Message{
		ai.System("You are an expert front-end developer refining an existing web app according to the user's " +
			"request. " + codeFormat),
		ai.User("Refinement request: " + request + section("Research notes", research) +
			"\n\nCurrent code:\n" + programBlocks(program)),
	}
}

func fixMessages(prompt string, program Program, final bool) []ai.Message {
	focus := "Find and fix bugs, broken references between HTML, CSS and JavaScript, and obvious UX problems."
	if final {
		focus = "Do a holistic final review: fix bugs, make the three files consistent, and polish the result " +
			"without removing features."
	}
	req := "Check this web app."
	if prompt != "" {
		req = "The app was built for this request: " + prompt
	}
	return []ai.Message{
		ai.System("You are a meticulous front-end reviewer. " + focus + " " + codeFormat +
			" If nothing needs to change, reply without code blocks."),
		ai.User(req + "\n\nCurrent code:\n" + programBlocks(program)),
	}
}
