package relay

import (
	"fmt"
	"time"
)

const (
	textSecretNoForward  = "Forwarded and quoted messages can't be sent in secret mode."
	textForwardDisabled  = "Forwarding is turned off for your account. Enable it in settings to share forwarded messages."
	textMediaPremium     = "Photos, videos, voice and files are a premium feature. Upgrade to share media."
	textTryAgain         = "Something went wrong. Please try again."
	textMediaDisclaimer  = "Secret mode can't stop screenshots or recordings on the other side. Send this media anyway?"
	textMediaOffer       = "Your partner wants to send you protected media. View it?"
	textBlockedNoCount   = "Your message was not delivered because it breaks the community rules."
	labelSend            = "Send"
	labelCancel          = "Cancel"
	labelView            = "View"
	labelReject          = "Decline"
	strikeReasonModerate = "moderation"
)

func textBlockedWarning(remaining int) string {
	if remaining == 1 {
		return "Your message was not delivered because it breaks the community rules. One more violation and you will be banned."
	}
	return fmt.Sprintf("Your message was not delivered because it breaks the community rules. %d warnings left before a ban.", remaining)
}

func textBanned(d time.Duration) string {
	return fmt.Sprintf("You have been banned for %s after repeated violations.", humanDuration(d))
}

func textCaution(note string) string {
	if note == "" {
		return "Careful: this message looks like spam."
	}
	return "Careful: " + note
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case d >= time.Minute:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	default:
		return d.String()
	}
}
