package authz

// DocumentAttrs are the resource attributes the policy engine evaluates.
type DocumentAttrs struct {
	OwnerID         string
	Department      string
	Confidentiality int
}

// Decision is a policy verdict with the rule that produced it.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule"`
}

// Rule is one ABAC rule: first match wins.
type Rule struct {
	Name  string
	Allow bool
	Match func(u *User, d DocumentAttrs) bool
}

// Policy is an ordered rule chain with a default-deny fallback.
type Policy struct {
	rules []Rule
}

// DefaultPolicy returns the standard chain, highest priority first:
// admin role, clearance >= confidentiality, same department, resource
// owner, public document. Anything else is denied with no_matching_rule.
func DefaultPolicy() *Policy {
	return &Policy{rules: []Rule{
		{
			Name:  "admin_role",
			Allow: true,
			Match: func(u *User, _ DocumentAttrs) bool { return u.HasRole(RoleAdmin) },
		},
		{
			Name:  "clearance_sufficient",
			Allow: true,
			Match: func(u *User, d DocumentAttrs) bool { return u.ClearanceLevel >= d.Confidentiality },
		},
		{
			Name:  "same_department",
			Allow: true,
			Match: func(u *User, d DocumentAttrs) bool {
				return d.Department != "" && u.Department == d.Department
			},
		},
		{
			Name:  "resource_owner",
			Allow: true,
			Match: func(u *User, d DocumentAttrs) bool {
				return d.OwnerID != "" && u.UserID == d.OwnerID
			},
		},
		{
			Name:  "public_document",
			Allow: true,
			Match: func(_ *User, d DocumentAttrs) bool { return d.Confidentiality == LevelPublic },
		},
	}}
}

// Evaluate walks the chain and returns the first matching rule's verdict.
func (p *Policy) Evaluate(u *User, d DocumentAttrs) Decision {
	for _, r := range p.rules {
		if r.Match(u, d) {
			return Decision{Allowed: r.Allow, Rule: r.Name}
		}
	}
	return Decision{Allowed: false, Rule: "no_matching_rule"}
}
