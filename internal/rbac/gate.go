package rbac

// Gate is the account-level check applied before every mutating operation.
// A suspended account is blocked from everything. An account with a pending
// forced credential change may only change its credential.
func Gate(actor Actor, action Action) Decision {
	if !actor.Active {
		return deny(ReasonSuspended)
	}
	if actor.MustChangeCredential && action != ActionChangeOwnCredential {
		return deny(ReasonCredentialChangeRequired)
	}
	return allow()
}
