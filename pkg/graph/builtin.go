package graph

// RegisterBuiltins installs the two factories every deployment ships with
// at startup: the default ReAct-style "agent" graph and the two-phase
// "research" graph. Both are lazy to keep cold start fast — neither factory
// does any work until the first request resolves it.
func RegisterBuiltins(r *Registry) {
	r.RegisterLazy(DefaultGraphID, func() Factory { return NewAgentFactory() })
	r.RegisterLazy("research", func() Factory { return NewResearchFactory() })
}
