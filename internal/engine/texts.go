package engine

import (
	"fmt"
	"time"
)

const (
	textStaleAction     = "This action is no longer valid."
	textGenericFailure  = "Something went wrong. Please try again."
	textSearching       = "Looking for a partner..."
	textStillSearching  = "Still searching, hang tight."
	textAlreadyChatting = "You are already in a chat. End it first with /end."
	textSearchCancelled = "Search cancelled."
	textNotSearching    = "You are not searching right now."
	textNotInChat       = "You are not in a chat."
	textMatched         = "Partner found! Say hi. Use /end to leave the chat."
	textRematched       = "You are back with your previous partner. Say hi!"
	textPartnerLeft     = "Your partner left the chat."
	textChatEnded       = "You left the chat."
	textMenu            = "What next?"

	textRematchNoPartner = "There is no recent partner to reconnect with."
	textRematchRequested = "Rematch request sent. We'll connect you if they agree."
	textRematchOffer     = "Your previous partner wants to chat again."
	textRematchDeclined  = "Your previous partner declined the rematch."
	textRematchWaiting   = "Your previous partner agreed. Waiting for them to come back..."

	textSecretPremium       = "Secret mode is a premium feature."
	textSecretBadTTL        = "Self-destruct time must be between 5 seconds and 1 hour."
	textSecretBadDuration   = "Secret mode can last between 1 and 120 minutes."
	textSecretAlreadyActive = "Secret mode is already on."
	textSecretInvitePending = "An invitation is already waiting for an answer."
	textSecretInviteSent    = "Invitation sent. Waiting for your partner..."
	textSecretInviteExpired = "Your partner did not answer the secret mode invitation."
	textSecretDeclined      = "Your partner declined secret mode. The chat continues as usual."
	textSecretDeclinedSelf  = "Secret mode declined. The chat continues as usual."
	textSecretNotActive     = "Secret mode is not on."
	textSecretEnded         = "Secret mode is off. Messages are no longer deleted."
	textSecretExpired       = "Secret mode has ended. Messages are no longer deleted."

	textMediaAwaiting  = "Waiting for your partner to accept the media."
	textMediaCancelled = "Media discarded."
	textMediaDeclined  = "Your partner declined the media. It was discarded."
	textMediaRejected  = "Media declined."
	textMediaExpired   = "Nobody confirmed the media in time. It was discarded."

	textNothingToReport = "There is nobody to report right now."
	textReported        = "Thanks, your report was sent to the moderators."
	textAlreadyReported = "You already reported this user."
	textNothingToRate   = "There is nobody to rate right now."
	textRated           = "Thanks for the feedback!"

	labelSearch         = "New chat"
	labelSearchFiltered = "Filtered search"
	labelRematch        = "Chat again"
	labelAccept         = "Accept"
	labelDecline        = "Decline"
)

func textBanned(remaining time.Duration) string {
	if remaining <= 0 {
		return "You are banned right now."
	}
	return fmt.Sprintf("You are banned for another %s.", remaining.Round(time.Minute))
}

func textAutoBanned(d time.Duration) string {
	return fmt.Sprintf("You have been banned for %s after several reports.", d)
}

func textSecretInvite(ttl, duration time.Duration) string {
	return fmt.Sprintf("Your partner invites you to secret mode for %s: every message disappears %s after delivery. "+
		"Deletion is best effort and cannot stop screenshots.", duration, ttl)
}

func textSecretStarted(ttl, duration time.Duration) string {
	return fmt.Sprintf("Secret mode is on for %s. Messages disappear %s after delivery.", duration, ttl)
}

func textSecretReminder(left time.Duration) string {
	return fmt.Sprintf("Secret mode ends in %s.", left.Round(time.Second))
}
