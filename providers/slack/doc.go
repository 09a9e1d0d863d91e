// Package slack provides a Slack OAuth 2.0 provider implementation.
//
// This package implements the providers.Provider interface against
// Slack's OAuth v2 flow. It brokers user tokens, not bot tokens: the
// requested scopes go out as user_scope and the token returned from a
// code exchange is the authed_user token.
//
// Slack workspaces are first-class here. Every token is scoped to the
// workspace that granted it, so the exchange result carries the team ID
// as the workspace identifier and the same account connecting from two
// workspaces yields two independent connections.
//
// With token rotation enabled on the Slack app, refresh tokens rotate
// on every refresh and access tokens expire after twelve hours. Apps
// without rotation get non-expiring user tokens and no refresh token.
package slack
