/*
Package reminders implements the reminder sweep.

Each category supplies a candidate predicate; everything else is shared:

 1. skip if the ledger already holds (entity, type, today), or any entry at all
    for once-ever categories
 2. skip invoices whose approved or payment_pending status changed within the cooldown
 3. send through the notifier; a rate-limited recipient is deferred to the next sweep
 4. append the ledger row only after a successful send

Sends that fail are not logged, so the next sweep retries them. A crash between
send and append can at worst repeat one message; it never loses one.
*/
package reminders
