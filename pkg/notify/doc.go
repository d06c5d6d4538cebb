/*
Package notify delivers reminder messages.

A Notifier receives a structured Message and decides how to render it:

	WebhookNotifier  signed JSON POST to a mail relay, retried with backoff
	SMSNotifier      plain-text SMS through Twilio
	LogNotifier      writes the message to the log (dry runs)

Recipients are rate limited by wrapping a notifier with WithRateLimit. The
in-process RateLimiter suits a single worker; RedisLimiter shares the budget
across processes. When Redis is unreachable the send fails with
ErrRateLimited and the reminder is deferred to the next sweep.

Webhook bodies are signed with HMAC-SHA256:

	X-Banquet-Signature: sha256=<hex digest of body>

Receivers check it with VerifySignature.
*/
package notify
