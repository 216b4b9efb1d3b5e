// Package mediakit generates public communications about a bill: press
// releases, social posts and the like, one media-mode generation per format.
package mediakit

import (
	"fmt"
	"strings"
)

// Format is one piece of a media kit.
type Format string

const (
	FormatPressRelease  Format = "press_release"
	FormatSocialPost    Format = "social_post"
	FormatTalkingPoints Format = "talking_points"
	FormatNewsletter    Format = "newsletter"
	FormatOpEd          Format = "op_ed"
	FormatFAQ           Format = "faq"
)

// Formats lists the supported formats in the order a kit is generated.
var Formats = []Format{
	FormatPressRelease,
	FormatSocialPost,
	FormatTalkingPoints,
	FormatNewsletter,
	FormatOpEd,
	FormatFAQ,
}

type formatSpec struct {
	title        string
	instructions string
}

var formatSpecs = map[Format]formatSpec{
	FormatPressRelease: {
		title:        "Press release",
		instructions: "Write a press release of 300 to 400 words with a headline, a dateline, a quote from the sponsor and a closing boilerplate paragraph.",
	},
	FormatSocialPost: {
		title:        "Social media posts",
		instructions: "Write three short social media posts, each under 280 characters, with a clear call to action. Number them.",
	},
	FormatTalkingPoints: {
		title:        "Talking points",
		instructions: "Write five to seven talking points as bullet points, each one sentence, followed by two likely questions with suggested answers.",
	},
	FormatNewsletter: {
		title:        "Newsletter blurb",
		instructions: "Write a 150 word constituent newsletter item explaining what the bill does and how it affects readers.",
	},
	FormatOpEd: {
		title:        "Op-ed",
		instructions: "Write a 600 word op-ed in the sponsor's voice making the case for the bill, with a title.",
	},
	FormatFAQ: {
		title:        "FAQ",
		instructions: "Write a frequently asked questions section with five questions and plain-language answers.",
	},
}

// ParseFormat parses a wire format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := formatSpecs[f]; !ok {
		return "", fmt.Errorf("unknown media format %q", s)
	}
	return f, nil
}

// Title is the human name of the format.
func (f Format) Title() string {
	if spec, ok := formatSpecs[f]; ok {
		return spec.title
	}
	return string(f)
}
