package discovery

import "github.com/conduitmcp/conduit/pkg/types"

// examplePhrases maps well-known tool names to sample phrasings. The
// router feeds these to the LLM prompt and the keyword fallback scores
// against them. Tools that already ship examples keep their own.
var examplePhrases = map[string][]string{
	"read_file": {
		"read the file config.yaml",
		"show me the contents of main.go",
		"open README.md",
	},
	"write_file": {
		"write hello to notes.txt",
		"save this content to a file",
		"create a file called todo.md",
	},
	"list_directory": {
		"list the files in the src folder",
		"what's in this directory",
		"show all files under docs",
	},
	"search": {
		"search for meeting notes",
		"find anything about quarterly planning",
		"look up the deployment checklist",
	},
	"search_files": {
		"search files for TODO",
		"find files mentioning the api key",
		"grep the project for deprecated calls",
	},
	"search_notes": {
		"find my notes about the offsite",
		"search notes for the retro summary",
		"which note mentions the budget",
	},
	"create_note": {
		"create a note about today's standup",
		"make a new note called ideas",
		"jot down a note for the release plan",
	},
	"get_weather": {
		"what's the weather in Berlin",
		"will it rain tomorrow",
		"current temperature in Tokyo",
	},
	"fetch": {
		"fetch https://example.com",
		"download that page for me",
		"get the content of this url",
	},
	"query": {
		"run a query against the users table",
		"select all orders from last week",
		"how many rows are in the events table",
	},
	"execute_command": {
		"run ls in the project directory",
		"execute the build script",
		"run the test suite",
	},
	"git_log": {
		"show the recent commits",
		"what changed in the last week",
		"git history for this repo",
	},
	"send_message": {
		"send a message to the team channel",
		"post an update in slack",
		"message john about the outage",
	},
}

// enrichWithExamples fills in example phrases for tools that don't carry
// their own.
func enrichWithExamples(tools []types.ToolDefinition) []types.ToolDefinition {
	out := make([]types.ToolDefinition, len(tools))
	copy(out, tools)
	for i := range out {
		if len(out[i].Examples) == 0 {
			if phrases, ok := examplePhrases[out[i].Name]; ok {
				out[i].Examples = phrases
			}
		}
	}
	return out
}
