// Package pipeline turns a finished reasoning run into the final answer:
// deterministic calibration of the research artifact, then one synthesis
// model call that writes the client-facing prose.
package pipeline

import (
	"context"
	"unicode"

	"github.com/adiwidjaja/nalar/pkg/config"
	"github.com/adiwidjaja/nalar/pkg/gateway"
	"github.com/adiwidjaja/nalar/pkg/reasoning"
)

type Pipeline struct {
	calibrator  *Calibrator
	synthesizer *Synthesizer
	cfg         config.PipelineConfig
}

func New(calibrator *Calibrator, synthesizer *Synthesizer, cfg config.PipelineConfig) *Pipeline {
	return &Pipeline{
		calibrator:  calibrator,
		synthesizer: synthesizer,
		cfg:         cfg,
	}
}

// bypassCalibration reports whether an intent skips calibration and the
// synthesis model call. Smalltalk has nothing to fact-check and already
// carries a reply.
func (p *Pipeline) bypassCalibration(intentLabel string) bool {
	for _, label := range p.cfg.BypassCalibrator {
		if label == intentLabel {
			return true
		}
	}
	return false
}

// Words per token event when streaming the answer.
const tokenChunkWords = 4

// Process runs calibration and synthesis over a reasoning state. A non-nil
// onToken receives the final answer text in small left-to-right chunks whose
// concatenation equals Answer.Text exactly; every path emits them.
func (p *Pipeline) Process(ctx context.Context, state *reasoning.State, budget *gateway.Budget, onToken func(string)) *Answer {
	var answer *Answer
	if p.bypassCalibration(state.Intent) {
		answer = p.synthesizer.Shape(state)
	} else {
		cal := p.calibrator.Calibrate(state)
		answer = p.synthesizer.Synthesize(ctx, state, cal, budget)
	}

	if onToken != nil {
		for _, chunk := range chunkWords(answer.Text, tokenChunkWords) {
			onToken(chunk)
		}
	}
	return answer
}

// chunkWords splits text into chunks of at most n words each, preserving all
// whitespace so the concatenation reproduces the input byte for byte.
func chunkWords(text string, n int) []string {
	if text == "" {
		return nil
	}

	var chunks []string
	start := 0
	words := 0
	inWord := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && !inWord {
			inWord = true
			words++
			if words > n {
				chunks = append(chunks, text[start:i])
				start = i
				words = 1
			}
		} else if space {
			inWord = false
		}
	}
	chunks = append(chunks, text[start:])
	return chunks
}
