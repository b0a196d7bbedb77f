// Package components turns component configuration into engine components.
//
// Each component names a kind. A kind's Factory builds the capability set the
// engine drives:
//
//	helm      pre_install hooks, values (static + Starlark script), release, post_install hooks
//	commands  pre_install and post_install shell hooks only
//	group     nothing; every phase is skipped as not applicable
//
// Additional kinds can be added with Register.
package components
