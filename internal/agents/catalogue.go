// Package agents holds the agent catalogue: the stock agent definitions
// the orchestrator selects from, the store layering custom agents and
// per-agent memory on top, and the locally implemented tools.
//
// Stock definitions are immutable; the store rejects updates and deletes
// against them. Tools come in two kinds: local tools run inside the
// control plane (or the worker, for its builtins), every other tool is
// worker-bound and reaches a node through the dispatcher by capability
// "tool:<name>".
package agents

import "encoding/json"

// FallbackAgentID is selected when neither the planner nor keyword
// matching produces an agent.
const FallbackAgentID = "general-assistant"

// Tool describes one callable in an agent's toolbox. Params lists the
// parameter names the planner may fill in.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Params      []string `json:"params,omitempty"`
}

// Definition is one agent in the catalogue.
type Definition struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	SystemPrompt string          `json:"systemPrompt"`
	Tools        []Tool          `json:"tools,omitempty"`
	Keywords     []string        `json:"keywords,omitempty"`
	Wallet       string          `json:"wallet,omitempty"`
	Script       string          `json:"script,omitempty"`
	Stock        bool            `json:"stock"`
	Memory       json.RawMessage `json:"-"`
}

// Catalogue returns fresh copies of the stock agent definitions, so every
// store seeds its own mutable view.
func Catalogue() []*Definition {
	defs := []*Definition{
		{
			ID:           "general-assistant",
			Name:         "General Assistant",
			Description:  "Answers general questions and handles requests no specialist covers.",
			SystemPrompt: "You are a helpful general-purpose assistant. Answer concisely and accurately.",
			Tools: []Tool{
				{Name: "currentTime", Description: "Current UTC date and time"},
				{Name: "webSearch", Description: "Search the web", Params: []string{"query"}},
			},
			Keywords: []string{"help", "question", "explain", "what", "how"},
		},
		{
			ID:           "travel-planner",
			Name:         "Travel Planner",
			Description:  "Plans trips: destinations, flights, hotels and itineraries.",
			SystemPrompt: "You are a travel planning expert. Build practical itineraries with realistic prices and logistics.",
			Tools: []Tool{
				{Name: "searchFlights", Description: "Find flights between two cities", Params: []string{"from", "to", "date"}},
				{Name: "searchHotels", Description: "Find hotels in a city", Params: []string{"city", "checkIn", "nights"}},
				{Name: "currentTime", Description: "Current UTC date and time"},
			},
			Keywords: []string{"trip", "travel", "flight", "hotel", "vacation", "itinerary", "visit"},
		},
		{
			ID:           "budget-planner",
			Name:         "Budget Planner",
			Description:  "Estimates costs, builds budgets and finds ways to save.",
			SystemPrompt: "You are a budgeting expert. Break costs down, compute totals and suggest savings.",
			Tools: []Tool{
				{Name: "calculator", Description: "Evaluate an arithmetic expression", Params: []string{"expression"}},
				{Name: "currencyConvert", Description: "Convert an amount between currencies", Params: []string{"amount", "from", "to"}},
			},
			Keywords: []string{"budget", "cheap", "cost", "money", "expense", "afford", "save"},
		},
		{
			ID:           "research-assistant",
			Name:         "Research Assistant",
			Description:  "Gathers and condenses information on any topic.",
			SystemPrompt: "You are a research assistant. Collect facts from sources and synthesize them with citations.",
			Tools: []Tool{
				{Name: "webSearch", Description: "Search the web", Params: []string{"query"}},
				{Name: "fetchUrl", Description: "Fetch the contents of a URL", Params: []string{"url"}},
			},
			Keywords: []string{"research", "find", "information", "sources", "compare"},
		},
		{
			ID:           "code-assistant",
			Name:         "Code Assistant",
			Description:  "Writes, explains and debugs code.",
			SystemPrompt: "You are a senior software engineer. Produce working code with brief explanations.",
			Tools: []Tool{
				{Name: "runPython", Description: "Execute a Python snippet and return its output", Params: []string{"code"}},
			},
			Keywords: []string{"code", "program", "debug", "script", "function", "bug"},
		},
		{
			ID:           "data-analyst",
			Name:         "Data Analyst",
			Description:  "Analyzes datasets, computes statistics and spots trends.",
			SystemPrompt: "You are a data analyst. Quantify, compute and report statistics precisely.",
			Tools: []Tool{
				{Name: "calculator", Description: "Evaluate an arithmetic expression", Params: []string{"expression"}},
				{Name: "runPython", Description: "Execute a Python snippet and return its output", Params: []string{"code"}},
			},
			Keywords: []string{"data", "analyze", "statistics", "average", "dataset", "trend"},
		},
		{
			ID:           "content-writer",
			Name:         "Content Writer",
			Description:  "Drafts articles, posts and marketing copy.",
			SystemPrompt: "You are a professional writer. Produce clear, engaging prose in the requested tone.",
			Tools: []Tool{
				{Name: "webSearch", Description: "Search the web", Params: []string{"query"}},
			},
			Keywords: []string{"write", "blog", "article", "draft", "content", "copy"},
		},
		{
			ID:           "translator",
			Name:         "Translator",
			Description:  "Translates text between languages with context awareness.",
			SystemPrompt: "You are a professional translator. Preserve meaning, register and idiom.",
			Keywords:     []string{"translate", "translation", "language", "meaning"},
		},
		{
			ID:           "meeting-scheduler",
			Name:         "Meeting Scheduler",
			Description:  "Plans meetings and appointments across time zones.",
			SystemPrompt: "You are a scheduling assistant. Propose concrete times and handle time zones carefully.",
			Tools: []Tool{
				{Name: "currentTime", Description: "Current UTC date and time"},
			},
			Keywords: []string{"schedule", "meeting", "calendar", "appointment", "remind"},
		},
		{
			ID:           "recipe-chef",
			Name:         "Recipe Chef",
			Description:  "Suggests recipes and meal plans from available ingredients.",
			SystemPrompt: "You are a chef. Suggest realistic recipes with quantities and steps.",
			Tools: []Tool{
				{Name: "webSearch", Description: "Search the web", Params: []string{"query"}},
			},
			Keywords: []string{"recipe", "cook", "dinner", "meal", "ingredients"},
		},
		{
			ID:           "fitness-trainer",
			Name:         "Fitness Trainer",
			Description:  "Builds workout plans and training advice.",
			SystemPrompt: "You are a certified fitness trainer. Design safe, progressive workout plans.",
			Tools: []Tool{
				{Name: "calculator", Description: "Evaluate an arithmetic expression", Params: []string{"expression"}},
			},
			Keywords: []string{"workout", "exercise", "gym", "training", "muscle"},
		},
		{
			ID:           "study-tutor",
			Name:         "Study Tutor",
			Description:  "Explains concepts and prepares study material.",
			SystemPrompt: "You are a patient tutor. Explain step by step and check understanding.",
			Keywords:     []string{"study", "homework", "exam", "practice", "learn"},
		},
		{
			ID:           "shopping-assistant",
			Name:         "Shopping Assistant",
			Description:  "Compares products and finds the best offers.",
			SystemPrompt: "You are a shopping assistant. Compare options on price and quality.",
			Tools: []Tool{
				{Name: "productSearch", Description: "Search product listings", Params: []string{"query"}},
				{Name: "calculator", Description: "Evaluate an arithmetic expression", Params: []string{"expression"}},
			},
			Keywords: []string{"buy", "shop", "product", "price", "deal"},
		},
		{
			ID:           "news-briefer",
			Name:         "News Briefer",
			Description:  "Summarizes current events and headlines.",
			SystemPrompt: "You are a news editor. Summarize developments neutrally with dates.",
			Tools: []Tool{
				{Name: "newsHeadlines", Description: "Fetch current headlines for a topic", Params: []string{"topic"}},
				{Name: "webSearch", Description: "Search the web", Params: []string{"query"}},
			},
			Keywords: []string{"news", "headlines", "today", "latest", "happened"},
		},
		{
			ID:           "finance-advisor",
			Name:         "Finance Advisor",
			Description:  "Explains markets, investments and personal finance.",
			SystemPrompt: "You are a financial analyst. Explain instruments and risks; never give guarantees.",
			Tools: []Tool{
				{Name: "calculator", Description: "Evaluate an arithmetic expression", Params: []string{"expression"}},
				{Name: "webSearch", Description: "Search the web", Params: []string{"query"}},
			},
			Keywords: []string{"invest", "stock", "crypto", "portfolio", "market"},
		},
	}

	for _, d := range defs {
		d.Stock = true
	}
	return defs
}
