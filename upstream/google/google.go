// Package google provides a ready-made oauth2 configuration for the Google
// Calendar provider.
package google

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Calendar scopes requested from Google.
const (
	ScopeCalendar       = "https://www.googleapis.com/auth/calendar"
	ScopeCalendarEvents = "https://www.googleapis.com/auth/calendar.events"
)

// NewConfig builds the oauth2 configuration for Google Calendar access.
// redirectURL must match one registered in the Google Cloud console.
func NewConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes: []string{
			ScopeCalendar,
			ScopeCalendarEvents,
		},
	}
}
