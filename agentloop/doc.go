// Package agentloop runs a conversational agent: it sends the conversation
// to a completion service, executes the tools the model asks for, feeds the
// results back, and repeats until the model answers or the iteration budget
// runs out.
//
// # Architecture
//
//   - Session: the orchestrator. Run optionally plans, injects episodic
//     memory, then loops model request -> tool dispatch. Every path ends in
//     a returned string; transport errors, panics and interrupts end the
//     task as unsuccessful instead of propagating.
//   - ToolRegistry: a closed set of tools validated at registration. Typed
//     tools reflect their parameter schema from an argument struct and
//     decode model arguments into it.
//   - Gate: critical-operation approval followed by permission profile
//     checks, chosen by the tool's Capability.
//   - Retry: per-tool RetryPolicy with exponential backoff. A failed attempt
//     (an error outcome, or output matching ReflectionKeywords) may trigger
//     a reflection request before the next attempt.
//   - ExecutionEnvironment: where tools run. Every invocation is bounded by
//     the configured tool timeout.
//   - EventEmitter: non-blocking event stream for the host application.
//
// # Quick Start
//
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openrouter", adapter))
//	session, err := agentloop.NewSession(agentloop.Options{
//	    Client:        client,
//	    Model:         unifiedllm.ResolveModel("haiku"),
//	    EnableRetry:   true,
//	    MaxIterations: 50,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//	fmt.Println(session.Run(ctx, "Create a hello.go file"))
package agentloop
