// Package protocol formats and parses the plain-text commands the
// coordinator posts to the shared command channel for recorder workers.
//
// Two commands exist:
//
//	<prefix>start_recording <channel-id>
//	<@worker-id> stop_recording
//
// Commands are fire-and-forget; workers never reply with a structured ack.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

const (
	startVerb = "start_recording"
	stopVerb  = "stop_recording"
)

// Worker is one recorder identity and the prefix it answers to.
type Worker struct {
	ID     string `yaml:"id" json:"id"`
	Prefix string `yaml:"prefix" json:"prefix"`
}

// Kind distinguishes the commands a worker can receive.
type Kind int

const (
	KindStart Kind = iota + 1
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return startVerb
	case KindStop:
		return stopVerb
	default:
		return "unknown"
	}
}

// Command is a parsed command addressed to a single worker.
type Command struct {
	Kind      Kind
	ChannelID string
}

// StartRecording asks w to join and record channelID.
func StartRecording(w Worker, channelID string) string {
	return w.Prefix + startVerb + " " + channelID
}

// StopRecording asks w to stop recording and leave its channel.
func StopRecording(w Worker) string {
	return fmt.Sprintf("<@%s> %s", w.ID, stopVerb)
}

// Parse reports whether text is a command addressed to self. Mentions may
// use either the <@id> or <@!id> form, and a "!" before stop_recording is
// tolerated.
func Parse(text string, self Worker) (Command, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Command{}, false
	}

	if self.Prefix != "" && strings.HasPrefix(text, self.Prefix+startVerb) {
		rest := strings.TrimPrefix(text, self.Prefix+startVerb)
		if rest != "" && rest[0] != ' ' {
			return Command{}, false
		}
		fields := strings.Fields(rest)
		if len(fields) != 1 {
			return Command{}, false
		}
		return Command{Kind: KindStart, ChannelID: fields[0]}, true
	}

	fields := strings.Fields(text)
	if len(fields) != 2 {
		return Command{}, false
	}
	if fields[0] != "<@"+self.ID+">" && fields[0] != "<@!"+self.ID+">" {
		return Command{}, false
	}
	if strings.TrimPrefix(fields[1], "!") != stopVerb {
		return Command{}, false
	}
	return Command{Kind: KindStop}, true
}

// Validate checks that ids and prefixes are present and unique.
func Validate(workers []Worker) error {
	ids := make(map[string]int, len(workers))
	prefixes := make(map[string]int, len(workers))
	var errs []error
	for i, w := range workers {
		n := i + 1
		if strings.TrimSpace(w.ID) == "" {
			errs = append(errs, fmt.Errorf("recorder %d: id is required", n))
		} else if prev, dup := ids[w.ID]; dup {
			errs = append(errs, fmt.Errorf("recorder %d: id %s already used by recorder %d", n, w.ID, prev))
		} else {
			ids[w.ID] = n
		}
		if strings.TrimSpace(w.Prefix) == "" {
			errs = append(errs, fmt.Errorf("recorder %d: prefix is required", n))
		} else if prev, dup := prefixes[w.Prefix]; dup {
			errs = append(errs, fmt.Errorf("recorder %d: prefix %q already used by recorder %d", n, w.Prefix, prev))
		} else {
			prefixes[w.Prefix] = n
		}
	}
	return errors.Join(errs...)
}
