package entity

import (
	"context"
	"strings"
)

const (
	userAvatarPrefix  = "user_avatar:"
	groupAvatarPrefix = "group_avatar:"
)

// FindImage resolves an inline image name to a reference: avatar prefixes,
// buffer attachments, per-party memory images, then the static asset map.
// Satisfies the memory store's image lookup interface.
func (r *Resolver) FindImage(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}

	if rest, ok := strings.CutPrefix(name, userAvatarPrefix); ok {
		return r.avatarFor("user", rest)
	}
	if rest, ok := strings.CutPrefix(name, groupAvatarPrefix); ok {
		return r.avatarFor("group", rest)
	}

	if r.Buffer != nil {
		for _, ref := range r.Buffer.ImageRefs() {
			if ref == name || strings.Contains(ref, name) {
				return ref, true
			}
		}
	}

	if r.PartyImages != nil {
		for _, id := range r.partyIDs() {
			src, ok := r.PartyImages(id)
			if !ok {
				continue
			}
			for _, ref := range src.ImageRefs() {
				if ref == name || strings.Contains(ref, name) {
					return ref, true
				}
			}
		}
	}

	if ref, ok := r.Assets[name]; ok {
		return ref, true
	}
	return "", false
}

func (r *Resolver) avatarFor(kind, who string) (string, bool) {
	if r.AvatarURL == nil {
		return "", false
	}
	var p Party
	var ok bool
	if kind == "group" {
		p, ok = r.FindGroup(who)
	} else {
		p, ok = r.FindUser(context.Background(), who)
	}
	if !ok {
		return "", false
	}
	return r.AvatarURL(kind, p.ID)
}

// partyIDs lists ids referenced by the session: the peer or group plus
// buffer senders.
func (r *Resolver) partyIDs() []string {
	var ids []string
	seen := map[string]struct{}{}
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if r.IsGroup {
		add(r.GroupID)
	} else {
		add(r.SessionID)
	}
	if r.Buffer != nil {
		for _, s := range r.Buffer.Senders() {
			add(s[0])
		}
	}
	return ids
}
