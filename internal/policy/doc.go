// Package policy decides how each intercepted request is served. Classification
// is a pure function over the request path: API traffic is network-first,
// downloaded content is cache-only with a placeholder, and everything else is
// treated as application shell (cache-first). The package also keeps a small
// descriptor registry that diagnostics endpoints use to describe each policy.
package policy
