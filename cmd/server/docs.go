// Package main WatchParty API
//
//	@title			WatchParty API
//	@version		1.0
//	@description	Synchronization and signaling server for two-party video co-watching. Each participant plays their own local copy of the file; the server keeps playback in lockstep and never touches the media.
//
//	@contact.name	WatchParty Support
//	@contact.url	https://github.com/observer/watchparty
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT token (format: Bearer <token>)
package main
