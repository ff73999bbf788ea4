/*
Package providers implements one Handler per upstream LLM backend.

A Handler takes a canonical Messages request, translates it into the
provider's native shape, performs the HTTP call and, for non-streaming calls,
translates the answer back. Streaming calls return the decompressed upstream
body untouched; the proxy feeds it through a stream.Transformer configured
with the handler's StreamFormat.

# Handlers

	anthropic   native passthrough; x-api-key + anthropic-version; format "anthropic"
	ollama      local server; /api/chat for single responses, /v1/chat/completions for streams
	openrouter  aggregator; chat completions plus HTTP-Referer and X-Title attribution
	openai      chat completions; max_completion_tokens
	nvidia      chat completions
	deepseek    chat completions
	groq        chat completions
	xai         chat completions
	gemini      generateContent / streamGenerateContent?alt=sse; x-goog-api-key

# Request translation (chat completions)

	system                  -> leading {"role":"system"} message
	text blocks             -> message content string
	image blocks            -> image_url parts carrying data URLs
	tool_use (assistant)    -> tool_calls, toolu_ ids mapped back to call_
	tool_result (user)      -> {"role":"tool","tool_call_id":...} messages
	tools[].input_schema    -> tools[].function.parameters
	tool_choice any/tool    -> "required" / {"type":"function",...}
	stop_sequences          -> stop

Gemini receives contents/parts with systemInstruction, functionCall and
functionResponse parts, and function declarations with the JSON Schema
keywords it rejects removed.

# Failures

Handlers never return Go errors. Every failure is a *Failure value:

	connection refused, DNS, reset     connection_error
	route timeout expired              timeout_error
	HTTP 429                           rate_limit_error (RetryAfter from Retry-After,
	                                   retry-after-ms or anthropic-ratelimit-*-reset)
	any other non-2xx                  api_error (upstream status and message kept)

Non-streaming calls are bounded by the route timeout end to end. Streaming
calls are bounded only until the response headers arrive.

# Adding a provider

Add the tag to package detector, write a constructor with the factory
signature and register it in factories. OpenAI-compatible vendors only need an
entry in the vendors table.
*/
package providers
