// Package browser describes the page environment the session helper runs in.
package browser

import "net/http"

// Browser is the part of a web page the session helper talks to.
type Browser interface {
	// Host is the host (and port) of the current page.
	Host() string

	// Cookie is the page's cookie string, as document.cookie would return it.
	Cookie() string

	// Jar holds the cookies sent automatically with credentialed requests.
	Jar() http.CookieJar

	// Open opens rawURL in a new window. It returns an untyped nil when no
	// window could be opened.
	Open(rawURL, features string) Window

	// Navigate sends the current page to rawURL.
	Navigate(rawURL string)

	// Reload reloads the current page.
	Reload()
}

// Window is a window opened by Browser.Open.
type Window interface {
	Closed() bool
}
