package ratelimit

import (
	"net/http"
	"strings"
)

// Request carries the caller attributes the key resolvers draw from.
// Fields left empty trigger the strategy's fallback chain.
type Request struct {
	Subject   string // empty for anonymous callers
	Tenant    string
	Roles     []string
	PeerIP    string
	PathGroup string // leading service segment of the normalized path
	Header    http.Header
}

// DeriveKey resolves the accounting key for one policy. Every
// strategy bottoms out at the peer IP, so a key is always produced.
func DeriveKey(p Policy, req Request) string {
	switch p.Strategy {
	case StrategyIP:
		return ipFragment(req)
	case StrategyUser:
		return userFragment(req)
	case StrategyAPIKey:
		if v := apiKeyValue(p, req); v != "" {
			return "apikey:" + v
		}
		return userFragment(req)
	case StrategyPath:
		return userFragment(req) + ":path:" + req.PathGroup
	case StrategyTenant:
		if req.Tenant != "" {
			return "org:" + req.Tenant
		}
		return userFragment(req)
	case StrategyRole:
		if role := primaryRole(req); role != "" && req.Subject != "" {
			return "role:" + role + ":user:" + req.Subject
		}
		return userFragment(req)
	case StrategyComposite:
		return compositeKey(p, req)
	default:
		return userFragment(req)
	}
}

func ipFragment(req Request) string {
	return "ip:" + req.PeerIP
}

func userFragment(req Request) string {
	if req.Subject != "" {
		return "user:" + req.Subject
	}
	return ipFragment(req)
}

func apiKeyValue(p Policy, req Request) string {
	if p.KeyHeader == "" || req.Header == nil {
		return ""
	}
	return req.Header.Get(p.KeyHeader)
}

// primaryRole picks the lexically smallest role so one caller always
// accounts against the same bucket regardless of claim ordering.
func primaryRole(req Request) string {
	role := ""
	for _, r := range req.Roles {
		if r == "" {
			continue
		}
		if role == "" || r < role {
			role = r
		}
	}
	return role
}

// compositeKey joins the member fragments with ":". Members whose
// attribute is absent contribute nothing rather than repeating the
// user fragment; an empty join falls back to the user fragment.
func compositeKey(p Policy, req Request) string {
	parts := make([]string, 0, len(p.Of))
	for _, member := range p.Of {
		var frag string
		switch member {
		case StrategyUser:
			frag = userFragment(req)
		case StrategyIP:
			frag = ipFragment(req)
		case StrategyTenant:
			if req.Tenant != "" {
				frag = "org:" + req.Tenant
			}
		case StrategyPath:
			frag = "path:" + req.PathGroup
		case StrategyAPIKey:
			if v := apiKeyValue(p, req); v != "" {
				frag = "apikey:" + v
			}
		case StrategyRole:
			if role := primaryRole(req); role != "" {
				frag = "role:" + role
			}
		}
		if frag != "" {
			parts = append(parts, frag)
		}
	}
	if len(parts) == 0 {
		return userFragment(req)
	}
	return strings.Join(parts, ":")
}
