package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DiscriminatorKind tells preparation work apart from batch stages.
type DiscriminatorKind string

const (
	DiscriminatorPrep  DiscriminatorKind = "prep"
	DiscriminatorStage DiscriminatorKind = "stage"
)

const prepTag = "prep"

// Discriminator identifies why a process was dispatched.
type Discriminator struct {
	Kind  DiscriminatorKind `json:"kind"`
	Batch int               `json:"batch,omitempty"`
	Stage int               `json:"stage,omitempty"`
}

// PrepTag returns the discriminator used for preparation work.
func PrepTag() Discriminator {
	return Discriminator{Kind: DiscriminatorPrep}
}

// StageTag returns the discriminator for one stage of a batch.
func StageTag(batch, stage int) Discriminator {
	return Discriminator{Kind: DiscriminatorStage, Batch: batch, Stage: stage}
}

// IsPrep returns true for preparation work.
func (d Discriminator) IsPrep() bool {
	return d.Kind == DiscriminatorPrep
}

// String serializes the discriminator as it travels in process arguments.
func (d Discriminator) String() string {
	if d.IsPrep() {
		return prepTag
	}
	return fmt.Sprintf("%d-%d", d.Batch, d.Stage)
}

// ParseDiscriminator decodes a serialized discriminator.
func ParseDiscriminator(s string) (Discriminator, error) {
	if s == prepTag {
		return PrepTag(), nil
	}
	batch, stage, ok := strings.Cut(s, "-")
	if !ok {
		return Discriminator{}, fmt.Errorf("%w: discriminator %q", ErrInvalidArgument, s)
	}
	b, err := strconv.Atoi(batch)
	if err != nil {
		return Discriminator{}, fmt.Errorf("%w: discriminator batch %q", ErrInvalidArgument, batch)
	}
	st, err := strconv.Atoi(stage)
	if err != nil {
		return Discriminator{}, fmt.Errorf("%w: discriminator stage %q", ErrInvalidArgument, stage)
	}
	return StageTag(b, st), nil
}

// Payload is the argument set passed to a dispatched targeted tool.
type Payload struct {
	Target   string
	Start    time.Time
	End      time.Time
	Duration time.Duration
	Tag      Discriminator
}

// PrepPayload returns the payload for immediate preparation work.
func PrepPayload(target string, now time.Time) Payload {
	return Payload{Target: target, Start: now, End: now, Tag: PrepTag()}
}

// Args serializes the payload into positional arguments.
// The discriminator is always the 5th argument.
func (p Payload) Args() []string {
	if p.Target == "" {
		return nil
	}
	return []string{
		p.Target,
		strconv.FormatInt(p.Start.UnixMilli(), 10),
		strconv.FormatInt(p.End.UnixMilli(), 10),
		strconv.FormatInt(p.Duration.Milliseconds(), 10),
		p.Tag.String(),
	}
}

// ParsePayload decodes positional arguments produced by Args.
func ParsePayload(args []string) (Payload, error) {
	if len(args) < 5 {
		return Payload{}, fmt.Errorf("%w: expected 5 payload args, got %d", ErrInvalidArgument, len(args))
	}
	start, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: start %q", ErrInvalidArgument, args[1])
	}
	end, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: end %q", ErrInvalidArgument, args[2])
	}
	dur, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: duration %q", ErrInvalidArgument, args[3])
	}
	tag, err := ParseDiscriminator(args[4])
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		Target:   args[0],
		Start:    time.UnixMilli(start),
		End:      time.UnixMilli(end),
		Duration: time.Duration(dur) * time.Millisecond,
		Tag:      tag,
	}, nil
}

// Process is a running tool instance as reported by process introspection.
type Process struct {
	PID     int      `json:"pid"`
	Tool    string   `json:"tool"`
	Node    string   `json:"node"`
	Threads int      `json:"threads"`
	Args    []string `json:"args,omitempty"`
}
