// Package policy decides which capabilities a plugin may be granted, using
// Open Policy Agent (Rego) policies.
//
// Every policy is a Rego module whose package defines a `deny` set. Each
// element is either a string or an object with `message`, `severity` and an
// optional `capability`. A violation with severity error or critical denies
// the plugin; warnings are only logged.
//
// The input document looks like:
//
//	{
//	  "plugin":  {"id": "compass", "kind": "script", "version": "1.0.0",
//	              "capabilities": ["camera:pose"], "verified": true},
//	  "context": {"operation": "register", "timestamp": "..."}
//	}
//
// Built-in policies reject unknown capabilities and malformed plugin ids, and
// warn about code plugins without a pinned checksum. Additional policies are
// read from .rego or .json files; a Gate watches those files with fsnotify and
// swaps the compiled set atomically when they change.
//
//	gate, err := policy.NewGate(ctx, []string{"policies/"}, tel)
//	if err != nil {
//	    return err
//	}
//	go gate.Watch(ctx)
//	err = gate.Authorize(ctx, policy.PluginInfo{ID: "compass", Capabilities: caps})
package policy
