// Package notify delivers careAuth notices (invitations, MFA resets) to the
// account holder's out-of-band channel.
//
// [MQTTNotifier] publishes JSON notices to careauth/notice/{kind} at QoS 1
// for a mail or SMS relay to pick up. [LogNotifier] writes them to slog for
// development. [Retrying] wraps either with bounded, linearly backed-off
// retries.
//
// A failed Send never rolls back the operation that produced the notice; the
// engine logs it at WARN.
package notify
