// Package llm defines the provider-neutral contract between the wallet
// assistant and a large language model: the conversation context going in,
// and either a reply or a read-only tool call coming out.
package llm
