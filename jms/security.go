package jms

import (
	"github.com/trickstertwo/xjms"
	"github.com/trickstertwo/xjms/exchange"
)

// securityContextFrom promotes the sender identity carried by tm. JMSXUserID
// wins over the TIBCO sender property; neither yields no context.
func securityContextFrom(tm *xjms.Message) (exchange.SecurityContext, bool) {
	user, _ := tm.Property(PropUserID)
	if user == "" {
		user, _ = tm.Property(PropTIBCOSender)
	}
	if user == "" {
		return nil, false
	}
	return exchange.NewSecurityContext(exchange.UserPrincipal(user)), true
}
