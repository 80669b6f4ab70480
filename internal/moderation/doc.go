// Package moderation decides what happens to each message in a moderated
// room and carries that decision out through the chat host.
//
// A message passes through four stages: exemption, form check,
// classification and decision. The first two are pure functions of the
// event and the policy. Classification is delegated to a Classifier and
// never blocks the message on failure: an unreachable or confused
// classifier yields Allow. Only the Executor talks to the host.
package moderation
