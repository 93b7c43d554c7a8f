// Package unifiedllm is the provider-agnostic model client used by the agent
// loop. It presents one request/response shape over several backends and
// exposes the raw delta chunks of a streamed completion so callers can
// reduce them into turns themselves.
//
// # Architecture
//
//   - ProviderAdapter and the shared message types
//   - Retry and error classification helpers
//   - Client with provider routing and middleware
//   - Generate and GenerateObject for one-shot calls
//
// # Adapters
//
// OpenAIAdapter speaks to any OpenAI-compatible endpoint through go-openai
// and streams native tool call fragments. GollmAdapter wraps
// github.com/teilomillet/gollm for the remaining providers; it streams text
// and emits parsed tool calls in a final chunk.
//
//	adapter := unifiedllm.NewOpenAIAdapter(os.Getenv("OPENAI_API_KEY"), "")
//	client := unifiedllm.NewClient(unifiedllm.WithProvider("openai", adapter))
//
//	chunks, _ := client.StreamChunks(ctx, unifiedllm.Request{
//	    Model:    "gpt-5.2",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	for item := range chunks {
//	    ...
//	}
//
// Adapters that cannot stream chunks are bridged by the Client: the full
// response is delivered as a single chunk.
//
// # Model Catalog
//
//	info := unifiedllm.GetModelInfo("claude-opus-4-6")
//	window := unifiedllm.ContextWindowFor("gpt-5.2")
package unifiedllm
