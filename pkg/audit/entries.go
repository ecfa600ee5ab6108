package audit

// Created records a new entity with a full attribute snapshot.
func Created(logName string, subject Ref, attrs map[string]interface{}) Entry {
	return Entry{
		LogName:     logName,
		Event:       EventCreated,
		Description: ":causer created :subject",
		Subject:     &subject,
		Attributes:  attrs,
	}
}

// Updated records only the attributes that changed. It reports false when
// nothing changed, in which case nothing should be recorded.
func Updated(logName string, subject Ref, before, after map[string]interface{}) (Entry, bool) {
	attrs, old := Diff(before, after)
	if len(attrs) == 0 {
		return Entry{}, false
	}
	return Entry{
		LogName:     logName,
		Event:       EventUpdated,
		Description: ":causer updated :subject",
		Subject:     &subject,
		Attributes:  attrs,
		Old:         old,
	}, true
}

// Lifecycle records a state transition without attributes, e.g. EventDisabled.
func Lifecycle(logName, event string, subject Ref) Entry {
	return Entry{
		LogName:     logName,
		Event:       event,
		Description: ":causer " + pastTense(event) + " :subject",
		Subject:     &subject,
	}
}

// Granted records object being given to holder, e.g. a permission to a role.
// Properties carry {granted_<object kind>, to_<holder kind>}.
func Granted(logName string, object, holder Ref) Entry {
	return Entry{
		LogName:     logName,
		Event:       EventAuthorized,
		Description: ":causer granted " + object.Display() + " to :subject",
		Subject:     &holder,
		Extra: map[string]interface{}{
			"granted_" + kinds[object.Kind].key: object,
			"to_" + kinds[holder.Kind].key:      holder,
		},
	}
}

// Revoked records object being taken from holder.
// Properties carry {revoked_<object kind>, from_<holder kind>}.
func Revoked(logName string, object, holder Ref) Entry {
	return Entry{
		LogName:     logName,
		Event:       EventAuthorized,
		Description: ":causer revoked " + object.Display() + " from :subject",
		Subject:     &holder,
		Extra: map[string]interface{}{
			"revoked_" + kinds[object.Kind].key: object,
			"from_" + kinds[holder.Kind].key:    holder,
		},
	}
}

func pastTense(event string) string {
	switch event {
	case EventForceDeleted:
		return "permanently deleted"
	case EventVerified:
		return "verified"
	default:
		return event
	}
}
