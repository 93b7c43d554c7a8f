// Package agentloop runs a coding task as a bounded series of rounds. Each
// round streams one model response, turns the deltas into complete tool
// calls, dispatches those calls, and feeds the results back until the
// model answers without calling a tool.
//
// A Session owns the tool registry, execution environment and event sink
// for its tasks. ExecuteTask always returns a TaskResult and emits exactly
// one terminal event; failures are reported through the result's
// ErrorKind rather than as Go errors.
//
// Above the round loop, a Corrector retries failed tasks with a reflection
// prompt, and a PhaseExecutor runs a Plan's phases in dependency order.
//
//	profile, err := agentloop.NewProfile("anthropic", "claude-sonnet-4-5")
//	if err != nil {
//		return err
//	}
//	env := agentloop.NewLocalExecutionEnvironment("/path/to/project")
//	session := agentloop.NewSession(profile, env, nil, agentloop.WithLogger(logger))
//	defer session.Close()
//
//	result := session.ExecuteTask(ctx, agentloop.TaskInput{Prompt: "Add a health check endpoint"})
//	if !result.Success {
//		log.Printf("task failed (%s): %s", result.ErrorKind, result.Error)
//	}
package agentloop
