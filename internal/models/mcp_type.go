package models

// MCPType is a vendor integration that instances can be created for
// (e.g. "dropbox", "github", "slack").
type MCPType struct {
	Id           string   `json:"id" yaml:"id" dynamodbav:"Id"`
	Name         string   `json:"name" yaml:"name" dynamodbav:"Name"`
	DisplayName  string   `json:"display_name" yaml:"display_name" dynamodbav:"DisplayName"`
	TokenURL     string   `json:"-" yaml:"token_url" dynamodbav:"TokenURL"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes" dynamodbav:"Scopes"`
	ClientId     string   `json:"-" yaml:"client_id" dynamodbav:"ClientId"`
	ClientSecret string   `json:"-" yaml:"client_secret" dynamodbav:"ClientSecret"`
	Active       bool     `json:"active" yaml:"active" dynamodbav:"Active"`
}

// MCPTypeListResponse lists the catalog
type MCPTypeListResponse struct {
	Types []MCPType `json:"types"`
	Total int       `json:"total"`
}
