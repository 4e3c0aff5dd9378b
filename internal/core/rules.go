package core

import "installcore/pkg/domain"

// NewRulesEngine constructs an empty rules engine.
func NewRulesEngine() *RulesEngine {
	return domain.NewRulesEngine()
}

// NewDefaultRulesEngine returns an engine with the built-in installation rules registered.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(InstallationTransitionRule())
	engine.Register(InstallationInvariantsRule())
	return engine
}
