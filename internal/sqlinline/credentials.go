package sqlinline

const QSelectProviderToken = `--sql 967ebaa9-52d6-4071-b6e7-96280711cb04
select token
from provider_credentials
where provider = $1::text;
`

const QUpsertProviderToken = `--sql 4f41b464-41d1-4c1f-9291-fa74a603e7ad
insert into provider_credentials (provider, token, properties, updated_at)
values ($1::text, $2::text, $3::jsonb, now())
on conflict (provider) do update
set token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`
