package claims

import "fmt"

// SendJobID is the claim and task id of a campaign's dispatch job.
func SendJobID(prefix, campaignID string) string {
	return fmt.Sprintf("%s_f%s", prefix, campaignID)
}

// ReminderJobID lives in its own namespace so a pending reminder never blocks
// the send claim, and the other way round.
func ReminderJobID(prefix, campaignID string) string {
	return fmt.Sprintf("%s_reminder_f%s", prefix, campaignID)
}
