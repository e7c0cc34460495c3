// Package guardrails screens turns for protected health information and
// requests for a human.
//
// Invariants:
// - A response that mentions sensitive material is never returned as is;
//   it is replaced with the handoff message.
// - Sensitive material in tool payloads raises the handoff flag without
//   altering the response.
// - A disabled Checker reports nothing and changes nothing.
package guardrails
