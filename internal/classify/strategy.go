package classify

// Strategy recognizes a program from one contextual signal.
type Strategy interface {
	Name() string
	Classify(in Input) (string, bool)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc struct {
	Label string
	Fn    func(Input) (string, bool)
}

// Name implements Strategy.
func (s StrategyFunc) Name() string { return s.Label }

// Classify implements Strategy.
func (s StrategyFunc) Classify(in Input) (string, bool) { return s.Fn(in) }

// TableContext matches keywords in the enclosing table cell and row header.
func TableContext(programs []Program) Strategy {
	return StrategyFunc{Label: "table", Fn: func(in Input) (string, bool) {
		return match(programs, in.TableText)
	}}
}

// Filename matches keywords in the artifact's published file name.
func Filename(programs []Program) Strategy {
	return StrategyFunc{Label: "filename", Fn: func(in Input) (string, bool) {
		return match(programs, in.Filename)
	}}
}

// Heading matches keywords in the nearest preceding heading.
func Heading(programs []Program) Strategy {
	return StrategyFunc{Label: "heading", Fn: func(in Input) (string, bool) {
		return match(programs, in.Heading)
	}}
}

// DefaultStrategies returns the priority order used for the index page.
func DefaultStrategies(programs []Program) []Strategy {
	return []Strategy{
		TableContext(programs),
		Filename(programs),
		Heading(programs),
	}
}
