package flow

import (
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/texts"
)

// action is the side effect a turn performs besides sending replies.
type action int

const (
	actionReply action = iota
	// actionAnswer asks the assistant and replies with its answer.
	actionAnswer
	// actionGenerate starts the document generation after the turn persists.
	actionGenerate
)

// decision is the outcome of one inbound text against the current session.
type decision struct {
	next      *models.Session
	replies   []string
	action    action
	reset     bool
	corrupted bool
}

// decide computes the next session and the replies for text. It does not
// mutate prev and performs no I/O. A nil prev is a sender without a session.
func decide(prev *models.Session, id, text string, now time.Time, kw Keywords, cat *texts.Catalog) decision {
	s := prev.Clone()
	if s == nil {
		s = models.NewSession(id, now)
	}
	s.UpdatedAt = now
	vars := func() texts.Vars {
		return texts.Vars{Name: s.FirstName(), Handle: s.Handle, Reset: kw.ResetWord()}
	}
	reply := func(msgs ...string) decision {
		d := decision{next: s}
		for _, m := range msgs {
			d.replies = append(d.replies, texts.Render(m, vars()))
		}
		return d
	}

	if kw.IsReset(text) {
		s.Reset(now)
		d := reply(cat.ResetDone, cat.Welcome)
		d.reset = true
		return d
	}

	st, ok := models.ParseState(string(s.State))
	if !ok {
		return restartCorrupted(s, kw, cat)
	}
	s.State = st

	switch st {
	case models.StateWelcome, models.StateAwaitingName:
		s.State = models.StateWelcome
		name, ok := validName(text)
		if !ok {
			return reply(cat.NameInvalid)
		}
		s.Name = name
		s.State = models.StateAwaitingEmail
		return reply(cat.AskEmail)

	case models.StateAwaitingEmail:
		if kw.isSkipEmail(text) {
			s.Email = ""
			s.State = models.StateAwaitingInstagram
			return reply(cat.AskHandle)
		}
		email, ok := validEmail(text)
		if !ok {
			return reply(cat.EmailInvalid)
		}
		s.Email = email
		s.State = models.StateAwaitingInstagram
		return reply(cat.AskHandle)

	case models.StateAwaitingInstagram:
		if kw.isNoHandle(text) {
			s.Handle = ""
			s.ScrapePermission = false
			return startGeneration(reply(cat.Generating))
		}
		handle, ok := normalizeHandle(text)
		if !ok {
			return reply(cat.HandleInvalid)
		}
		s.Handle = handle
		s.State = models.StateAskPermission
		return reply(cat.AskPermission)

	case models.StateAskPermission:
		s.ScrapePermission = kw.isAffirmative(text)
		return startGeneration(reply(cat.Generating))

	case models.StateGenerating:
		return reply(cat.StillGenerating)

	case models.StateCompleted:
		s.QuestionCount++
		return decision{next: s, action: actionAnswer}

	case models.StateError:
		return reply(cat.ErrorHint)

	default:
		return restartCorrupted(s, kw, cat)
	}
}

// decideUnreadable handles a turn whose stored record could not be decoded.
// The sender starts over from a fresh session. A reset is still a reset; any
// other text gets the corrupted notice and is not consumed as a name.
func decideUnreadable(id, text string, now time.Time, kw Keywords, cat *texts.Catalog) decision {
	if kw.IsReset(text) {
		d := decide(nil, id, text, now, kw, cat)
		d.corrupted = true
		return d
	}
	return restartCorrupted(models.NewSession(id, now), kw, cat)
}

// restartCorrupted moves s back to WELCOME, keeping the fields that were read.
func restartCorrupted(s *models.Session, kw Keywords, cat *texts.Catalog) decision {
	s.State = models.StateWelcome
	s.GenerationID = ""
	s.GenerationStartedAt = nil
	v := texts.Vars{Name: s.FirstName(), Handle: s.Handle, Reset: kw.ResetWord()}
	return decision{
		next:      s,
		replies:   []string{texts.Render(cat.Corrupted, v), texts.Render(cat.Welcome, v)},
		corrupted: true,
	}
}

// startGeneration moves the session into GENERATING. The generation id is
// stamped by the engine, which owns the clock and id source.
func startGeneration(d decision) decision {
	d.next.State = models.StateGenerating
	d.next.ErrorReason = ""
	d.action = actionGenerate
	return d
}
