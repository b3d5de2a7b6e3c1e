package rules

import "github.com/mosaicfs/mosaicfs/internal/metastore"

// compiledStep pairs a built operator with the step's invert flag and
// on-match action.
type compiledStep struct {
	op      operator
	invert  bool
	onMatch metastore.OnMatch
}

func compileSteps(steps []metastore.FilterStep) []compiledStep {
	out := make([]compiledStep, len(steps))
	for i, s := range steps {
		out[i] = compiledStep{
			op:      buildOperator(s.Op, s.Params),
			invert:  s.Invert,
			onMatch: s.OnMatch,
		}
	}
	return out
}

// evaluate runs the step pipeline left-to-right over f, short-circuiting on
// the first include/exclude decision (§4.1.1). defaultResult governs files
// that reach the end of the pipeline without a short-circuit.
func evaluate(ctx *evalContext, steps []compiledStep, defaultResult metastore.DefaultResult, f *metastore.File) (bool, error) {
	for _, step := range steps {
		raw, err := step.op.matches(ctx, f)
		if err != nil {
			return false, err
		}
		final := raw != step.invert // XOR

		if !final || step.onMatch == metastore.OnMatchContinue {
			continue
		}
		switch step.onMatch {
		case metastore.OnMatchInclude:
			return true, nil
		case metastore.OnMatchExclude:
			return false, nil
		}
	}
	return defaultResult == metastore.DefaultInclude, nil
}
