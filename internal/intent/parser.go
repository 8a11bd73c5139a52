// Package intent classifies free-form chat text into typed relay commands.
//
// Parse is deterministic keyword and pattern matching over English and
// Chinese phrasing. No model is consulted: control decisions stay
// reproducible and testable. Text that matches nothing returns nil and
// must be passed through to conversational handling unmodified.
package intent

import (
	"regexp"
	"strings"
)

// Command is the result of intent extraction.
type Command struct {
	Kind   string // help, status, plan, patch, apply, test
	Prompt string // free-text payload, empty for bare keyword commands
	RefID  string // referenced command id, apply only
}

// keywordSet maps exact leading keywords (lowercased) to a command kind.
// Order matters: first match wins.
var keywordSets = []struct {
	kind  string
	words []string
}{
	{"help", []string{"help", "h", "帮助", "菜单", "指令"}},
	{"status", []string{"status", "st", "状态", "进度"}},
	{"test", []string{"test", "tests", "测试"}},
	{"plan", []string{"plan", "方案", "计划"}},
	{"patch", []string{"patch", "fix", "修复", "改动", "补丁"}},
	{"apply", []string{"apply", "应用", "采纳"}},
}

var (
	// prefixRe strips a leading mention or slash prefix: "@dev help",
	// "/status", "@relay: patch ...".
	prefixRe = regexp.MustCompile(`^\s*(@\S+[:,：]?\s*|/)`)

	uuidRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

	// refAfterKeywordRe captures an id that follows an apply-ish keyword,
	// e.g. "apply patch abc123" or "应用 cmd-42".
	refAfterKeywordRe = regexp.MustCompile(`(?i)(?:apply|应用|采纳)\s+(?:patch\s+|补丁\s*)?([A-Za-z0-9][A-Za-z0-9._-]{3,})`)

	// bareIdentRe matches an identifier-shaped token usable as a reference.
	bareIdentRe = regexp.MustCompile(`\b[A-Za-z0-9][A-Za-z0-9._-]{3,}`)

	// filePathRe matches a token that looks like a file path or file name.
	filePathRe = regexp.MustCompile(`[\w./-]+\.(go|md|ts|tsx|js|jsx|py|rs|java|c|h|cpp|sh|ya?ml|json|toml|txt|sql|css|html)\b|[\w-]+/[\w./-]+`)

	// patchStartRe matches imperative patch openers in either language.
	patchStartRe = regexp.MustCompile(`(?i)^(fix|change|update|refactor|rename|remove|add|implement)\b|^(修复|修改|更新|重构|去掉|删除|添加|实现|改一下|改下)`)
)

var applyHints = []string{"apply", "应用", "采纳", "用这个补丁", "合入"}

var helpHints = []string{"怎么用", "帮助", "help me", "what can you do", "能做什么", "使用说明", "usage"}

var statusHints = []string{"status", "progress", "状态", "进度", "跑到哪", "怎么样了", "干到哪"}

var testHints = []string{"run tests", "run the tests", "跑测试", "跑下测试", "执行测试", "测试一下"}

// commandNouns and queryHints co-occurring indicates a help question
// ("what commands are there?", "有哪些指令").
var commandNouns = []string{"command", "commands", "指令", "命令"}
var queryHints = []string{"what", "which", "list", "哪些", "什么", "有啥"}

// actionVerbs and statusHintWords co-occurring indicates a status question
// ("how is the build going", "任务进行得怎么样").
var actionVerbs = []string{"build", "task", "job", "command", "任务", "作业", "命令"}
var statusHintWords = []string{"going", "doing", "running", "怎么样", "进展", "情况"}

var patchHints = []string{"patch", "diff", "改", "修", "fix", "bug", "错误", "问题", "spelling", "拼写", "typo"}

var politePrefixes = []string{"please", "could you", "can you", "帮我", "请", "麻烦", "能不能"}

var targetNouns = []string{"file", "function", "test", "code", "readme", "文件", "函数", "代码", "方法", "注释"}

// testFillerSuffixes are trailing words stripped from a test request so
// "run the tests please" yields an empty prompt rather than "please".
var testFillerSuffixes = []string{"please", "now", "again", "一下", "吧", "呗", "谢谢"}

// Parse classifies text into a typed command, or nil when the text is not
// a command. Pure and deterministic: same input, same output, no I/O.
func Parse(text string) *Command {
	trimmed := strings.TrimSpace(prefixRe.ReplaceAllString(text, ""))
	if trimmed == "" {
		return nil
	}

	keyword, payload := splitKeyword(trimmed)
	lowerKeyword := strings.ToLower(keyword)

	// Exact keyword match, first set wins.
	for _, set := range keywordSets {
		for _, w := range set.words {
			if lowerKeyword == w {
				return buildKeywordCommand(set.kind, payload)
			}
		}
	}

	// No exact keyword: fixed-order heuristic chain over the full text.
	lower := strings.ToLower(trimmed)
	if cmd := detectApply(trimmed, lower); cmd != nil {
		return cmd
	}
	if cmd := detectHelp(lower); cmd != nil {
		return cmd
	}
	if cmd := detectStatus(lower); cmd != nil {
		return cmd
	}
	if cmd := detectTest(trimmed, lower); cmd != nil {
		return cmd
	}
	if cmd := detectPatch(trimmed, lower); cmd != nil {
		return cmd
	}
	return nil
}

// splitKeyword separates the leading word from the remaining payload.
// Chinese keywords are not space-delimited, so known keywords are also
// peeled off the front of the text directly.
func splitKeyword(text string) (keyword, payload string) {
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		return text[:i], strings.TrimSpace(text[i:])
	}
	for _, set := range keywordSets {
		for _, w := range set.words {
			if !isASCII(w) && strings.HasPrefix(text, w) {
				return w, strings.TrimSpace(strings.TrimPrefix(text, w))
			}
		}
	}
	return text, ""
}

func buildKeywordCommand(kind, payload string) *Command {
	cmd := &Command{Kind: kind, Prompt: payload}
	switch kind {
	case "apply":
		cmd.Prompt = ""
		cmd.RefID = extractRef(payload)
	case "test":
		cmd.Prompt = stripFiller(payload)
	}
	return cmd
}

func stripFiller(s string) string {
	for changed := true; changed; {
		changed = false
		for _, f := range testFillerSuffixes {
			t := strings.TrimSpace(strings.TrimSuffix(s, f))
			if t != s {
				s, changed = t, true
			}
		}
	}
	return s
}

func detectApply(text, lower string) *Command {
	if !containsAny(lower, applyHints) {
		return nil
	}
	ref := extractRef(text)
	if ref == "" {
		return nil
	}
	return &Command{Kind: "apply", RefID: ref}
}

// extractRef pulls a reference id out of text, preferring a UUID-shaped
// token, then a keyword-prefixed reference, then a bare identifier.
func extractRef(text string) string {
	if m := uuidRe.FindString(text); m != "" {
		return m
	}
	if m := refAfterKeywordRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return bareIdentRe.FindString(text)
}

func detectHelp(lower string) *Command {
	if containsAny(lower, helpHints) {
		return &Command{Kind: "help"}
	}
	if containsAny(lower, commandNouns) && containsAny(lower, queryHints) {
		return &Command{Kind: "help"}
	}
	return nil
}

func detectStatus(lower string) *Command {
	if containsAny(lower, statusHints) {
		return &Command{Kind: "status"}
	}
	if containsAny(lower, actionVerbs) && containsAny(lower, statusHintWords) {
		return &Command{Kind: "status"}
	}
	return nil
}

func detectTest(text, lower string) *Command {
	if !containsAny(lower, testHints) {
		return nil
	}
	prompt := stripFiller(text)
	// A bare "run tests" request carries no scoping prompt.
	for _, h := range testHints {
		if strings.EqualFold(prompt, h) || strings.ToLower(prompt) == h {
			return &Command{Kind: "test"}
		}
	}
	return &Command{Kind: "test", Prompt: prompt}
}

func detectPatch(text, lower string) *Command {
	switch {
	case filePathRe.MatchString(text):
	case patchStartRe.MatchString(text):
	case containsAny(lower, politePrefixes) && containsAny(lower, patchHints):
	case containsAny(lower, patchHints) && containsAny(lower, targetNouns):
	default:
		return nil
	}
	return &Command{Kind: "patch", Prompt: text}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
