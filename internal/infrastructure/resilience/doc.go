/*
Package resilience provides circuit breakers for outbound calls.

# Overview

Sandboxed cells may call arbitrary HTTP origins and chat cells call a
completion endpoint. Both go through a breaker so a dead origin fails fast
instead of holding an evaluation until its timeout.

# Usage

	breaker := resilience.New("chat", resilience.Settings{
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	resp, err := resilience.Execute(breaker, func() (*resty.Response, error) {
		return client.R().Post(url)
	})

Group keys breakers by host:

	group := resilience.NewGroup("fetch", settings)
	resp, err := resilience.Execute(group.Get(u.Host), call)

# States

	Closed --[failures]-> Open --[timeout]-> Half-Open --[successes]-> Closed
	                                           |
	                                       [failure]
	                                           v
	                                          Open
*/
package resilience
