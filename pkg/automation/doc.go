/*
Package automation runs the time-triggered workflow sweep.

One RunSweep call performs three independent tasks:

	overdue   invoices past their due date move to overdue
	confirm   quotes whose invoice is paid move to confirmed
	complete  confirmed quotes whose event ended before yesterday move to completed

Candidates are selected up front and processed through a bounded worker pool
with a timeout per entity and a deadline on the whole sweep. Entities not
reached before the deadline are picked up by the next run.
*/
package automation
